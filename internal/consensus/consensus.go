// Package consensus tallies juror votes and applies the closing rule for
// escalated issues. It is pure: callers own persistence and locking.
package consensus

import "rentshield/api/internal/dispute"

type Decision string

const (
	DecisionFavorTenant     Decision = "favor-tenant"
	DecisionFavorLandlord   Decision = "favor-landlord"
	DecisionHold            Decision = "hold"
	DecisionEscalateToAdmin Decision = "escalate-to-admin"
)

const (
	DefaultQuorum         = 10
	DefaultExtensionVotes = 5
	DefaultMaxExtensions  = 2
)

// Weighted totals closer than this are treated as tied.
const tieEpsilon = 1e-9

// Closes reports whether the decision ends DAO review.
func (d Decision) Closes() bool {
	return d == DecisionFavorTenant || d == DecisionFavorLandlord || d == DecisionEscalateToAdmin
}

// TargetStatus is the issue status a closing decision maps to.
func (d Decision) TargetStatus() (dispute.Status, bool) {
	switch d {
	case DecisionFavorTenant:
		return dispute.StatusResolved, true
	case DecisionFavorLandlord:
		return dispute.StatusDismissed, true
	case DecisionEscalateToAdmin:
		return dispute.StatusEscalatedToAdmin, true
	default:
		return "", false
	}
}

type Tally struct {
	Total   int                           `json:"total"`
	Counts  map[dispute.VoteValue]int     `json:"counts"`
	Weights map[dispute.VoteValue]float64 `json:"weights"`
}

func Count(votes []dispute.Vote) Tally {
	tally := Tally{
		Counts: map[dispute.VoteValue]int{
			dispute.VoteFavorTenant:   0,
			dispute.VoteFavorLandlord: 0,
			dispute.VoteAbstain:       0,
		},
		Weights: map[dispute.VoteValue]float64{
			dispute.VoteFavorTenant:   0,
			dispute.VoteFavorLandlord: 0,
			dispute.VoteAbstain:       0,
		},
	}
	for _, vote := range votes {
		weight := vote.Weight
		if weight <= 0 {
			weight = 1
		}
		tally.Total++
		tally.Counts[vote.Value]++
		tally.Weights[vote.Value] += weight
	}
	return tally
}

type Result struct {
	Tally
	Quorum   int      `json:"quorum"`
	Reached  bool     `json:"reached"`
	Decision Decision `json:"decision,omitempty"`
}

// Decide applies the plurality rule once the vote count reaches quorum.
// Only a strictly greatest weighted tally for tenant or landlord closes the
// case; a tenant/landlord tie or a leading abstain yields DecisionHold.
func Decide(votes []dispute.Vote, quorum int) Result {
	if quorum <= 0 {
		quorum = DefaultQuorum
	}
	result := Result{Tally: Count(votes), Quorum: quorum}
	if result.Total < quorum {
		return result
	}
	result.Reached = true

	tenant := result.Weights[dispute.VoteFavorTenant]
	landlord := result.Weights[dispute.VoteFavorLandlord]
	abstain := result.Weights[dispute.VoteAbstain]
	switch {
	case greater(tenant, landlord) && greater(tenant, abstain):
		result.Decision = DecisionFavorTenant
	case greater(landlord, tenant) && greater(landlord, abstain):
		result.Decision = DecisionFavorLandlord
	default:
		result.Decision = DecisionHold
	}
	return result
}

func greater(a, b float64) bool {
	return a-b > tieEpsilon
}

// Policy carries the window extension settings used when a tally holds.
type Policy struct {
	Quorum         int
	ExtensionVotes int
	MaxExtensions  int
}

func DefaultPolicy() Policy {
	return Policy{
		Quorum:         DefaultQuorum,
		ExtensionVotes: DefaultExtensionVotes,
		MaxExtensions:  DefaultMaxExtensions,
	}
}

// Evaluate decides against the issue's current quorum target. A hold after
// the last permitted extension is handed to an administrator instead.
func (p Policy) Evaluate(votes []dispute.Vote, quorumTarget, extensions int) Result {
	if quorumTarget < p.Quorum {
		quorumTarget = p.Quorum
	}
	result := Decide(votes, quorumTarget)
	if result.Decision == DecisionHold && extensions >= p.MaxExtensions {
		result.Decision = DecisionEscalateToAdmin
	}
	return result
}

// NextQuorum is the vote count required after one more extension.
func (p Policy) NextQuorum(total int) int {
	step := p.ExtensionVotes
	if step <= 0 {
		step = DefaultExtensionVotes
	}
	return total + step
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rentshield/api/internal/consensus"
	"rentshield/api/internal/dispute"
	"rentshield/api/internal/rbac"
	"rentshield/api/internal/util"
)

// VoteReceipt is what a juror learns after voting. Tallies stay hidden
// until the issue closes.
type VoteReceipt struct {
	Vote         dispute.Vote       `json:"vote"`
	Total        int                `json:"total"`
	QuorumTarget int                `json:"quorumTarget"`
	Status       dispute.Status     `json:"status"`
	Decision     consensus.Decision `json:"decision,omitempty"`
}

// CastVote appends a juror's vote and runs the decision rule in the same
// per-issue transaction, so the count it decides on is never stale.
func (s *Service) CastVote(ctx context.Context, issueID string, actor dispute.Actor, rawValue, reasoning string) (VoteReceipt, error) {
	value, err := dispute.ParseVoteValue(rawValue)
	if err != nil {
		s.metrics.VoteRejected("validation")
		return VoteReceipt{}, validationError(err.Error(), map[string]any{"field": "value"})
	}

	var receipt VoteReceipt
	err = s.withIssue(ctx, issueID, func(ctx context.Context, issue *dispute.Issue, u *unit) error {
		if actor.ID == issue.ReporterID || (issue.LandlordID != "" && actor.ID == issue.LandlordID) {
			return notEligible("parties to the dispute cannot vote on it")
		}
		ok, err := s.perms.CanPerform(ctx, actor.ID, rbac.ActionVote, issue.ID)
		if err != nil {
			return err
		}
		if !ok {
			return notEligible(fmt.Sprintf("%s is not eligible to vote", actor.ID))
		}
		if issue.Status != dispute.StatusEscalated {
			return wrongState(string(issue.Status))
		}
		// The unique index still backs this up; checking first keeps the
		// rejection from aborting the transaction.
		voted, err := s.store.HasVoted(ctx, issue.ID, actor.ID)
		if err != nil {
			return err
		}
		if voted {
			return duplicateVote()
		}

		weight := actor.VoteWeight
		if directory, err := s.store.GetActor(ctx, actor.ID); err == nil && directory.VoteWeight > 0 {
			weight = directory.VoteWeight
		}
		if weight <= 0 {
			weight = 1
		}
		vote := dispute.Vote{
			ID:        util.NewID("vote"),
			IssueID:   issue.ID,
			JurorID:   actor.ID,
			Value:     value,
			Weight:    weight,
			Reasoning: strings.TrimSpace(reasoning),
			CastAt:    s.stamp(*issue),
		}
		if err := s.store.InsertVote(ctx, vote); err != nil {
			return voteStoreError(err, issue.Status)
		}

		votes, err := s.store.ListVotes(ctx, issue.ID)
		if err != nil {
			return err
		}
		if err := s.record(ctx, u, *issue, actor, dispute.EventVoteCast, "Vote cast",
			map[string]any{"total": len(votes)}); err != nil {
			return err
		}

		result := s.policy.Evaluate(votes, issue.QuorumTarget, issue.Extensions)
		switch {
		case !result.Reached:
		case result.Decision == consensus.DecisionHold:
			if err := s.extendVoting(ctx, u, issue, result); err != nil {
				return err
			}
			s.metrics.Decision(string(result.Decision))
		default:
			if err := s.applyConsensus(ctx, u, issue, result); err != nil {
				return err
			}
			receipt.Decision = result.Decision
		}

		receipt.Vote = vote
		receipt.Total = result.Total
		receipt.QuorumTarget = issue.QuorumTarget
		receipt.Status = issue.Status
		return nil
	})
	if err != nil {
		if kind := rejectionReason(err); kind != "" {
			s.metrics.VoteRejected(kind)
		}
		return VoteReceipt{}, err
	}
	s.metrics.VoteCast(string(value))
	return receipt, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateVote):
		return "duplicate"
	case errors.Is(err, ErrWrongState):
		return "wrong_state"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	default:
		return ""
	}
}

// ConsensusView is the tally as the caller may see it. While voting is open
// only the vote count, the target and the caller's own participation are
// disclosed to non-admins.
type ConsensusView struct {
	IssueID        string                        `json:"issueId"`
	Status         dispute.Status                `json:"status"`
	Total          int                           `json:"total"`
	QuorumTarget   int                           `json:"quorumTarget"`
	Extensions     int                           `json:"extensions,omitempty"`
	VotingDeadline *time.Time                    `json:"votingDeadline,omitempty"`
	HasVoted       bool                          `json:"hasVoted"`
	Blind          bool                          `json:"blind"`
	Reached        bool                          `json:"reached,omitempty"`
	Decision       consensus.Decision            `json:"decision,omitempty"`
	Counts         map[dispute.VoteValue]int     `json:"counts,omitempty"`
	Weights        map[dispute.VoteValue]float64 `json:"weights,omitempty"`
}

func (s *Service) Consensus(ctx context.Context, issueID string, actor dispute.Actor) (ConsensusView, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return ConsensusView{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionView, issue.ID); err != nil {
		return ConsensusView{}, err
	}
	votes, err := s.store.ListVotes(ctx, issue.ID)
	if err != nil {
		return ConsensusView{}, err
	}

	view := ConsensusView{
		IssueID:        issue.ID,
		Status:         issue.Status,
		Total:          len(votes),
		QuorumTarget:   issue.QuorumTarget,
		VotingDeadline: issue.VotingDeadline,
	}
	for _, vote := range votes {
		if vote.JurorID == actor.ID {
			view.HasVoted = true
		}
	}
	if blind(issue.Status, actor) {
		view.Blind = true
		return view, nil
	}
	view.Extensions = issue.Extensions

	result := s.policy.Evaluate(votes, issue.QuorumTarget, issue.Extensions)
	view.Reached = result.Reached
	view.Decision = result.Decision
	view.Counts = result.Counts
	view.Weights = result.Weights
	return view, nil
}

// blind reports whether actor must not see how voting is going. Holds and
// extensions would hint at a split tally, so they are hidden too.
func blind(status dispute.Status, actor dispute.Actor) bool {
	return status == dispute.StatusEscalated && actor.Role != rbac.RoleAdmin
}

func blindIssue(issue dispute.Issue, actor dispute.Actor) dispute.Issue {
	if blind(issue.Status, actor) {
		issue.Extensions = 0
	}
	return issue
}

func blindEvent(event dispute.TimelineEvent, status dispute.Status, actor dispute.Actor) dispute.TimelineEvent {
	if event.Type != dispute.EventVotingExtended || !blind(status, actor) {
		return event
	}
	payload := make(map[string]any, len(event.Payload))
	for k, v := range event.Payload {
		if k != "extensions" {
			payload[k] = v
		}
	}
	event.Payload = payload
	return event
}

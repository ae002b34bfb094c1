package consensus

import (
	"fmt"
	"testing"

	"rentshield/api/internal/dispute"
)

func votes(tenant, landlord, abstain int) []dispute.Vote {
	var out []dispute.Vote
	add := func(n int, value dispute.VoteValue) {
		for i := 0; i < n; i++ {
			out = append(out, dispute.Vote{
				ID:      fmt.Sprintf("vote-%s-%d", value, i),
				JurorID: fmt.Sprintf("juror-%s-%d", value, i),
				Value:   value,
				Weight:  1,
			})
		}
	}
	add(tenant, dispute.VoteFavorTenant)
	add(landlord, dispute.VoteFavorLandlord)
	add(abstain, dispute.VoteAbstain)
	return out
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name     string
		votes    []dispute.Vote
		quorum   int
		reached  bool
		decision Decision
	}{
		{name: "below quorum", votes: votes(9, 0, 0), quorum: 10, reached: false},
		{name: "tenant plurality", votes: votes(7, 2, 1), quorum: 10, reached: true, decision: DecisionFavorTenant},
		{name: "landlord plurality", votes: votes(3, 6, 1), quorum: 10, reached: true, decision: DecisionFavorLandlord},
		{name: "tenant landlord tie", votes: votes(5, 5, 0), quorum: 10, reached: true, decision: DecisionHold},
		{name: "abstain leads", votes: votes(3, 2, 5), quorum: 10, reached: true, decision: DecisionHold},
		{name: "abstain ties leader", votes: votes(4, 2, 4), quorum: 10, reached: true, decision: DecisionHold},
		{name: "default quorum", votes: votes(9, 0, 0), quorum: 0, reached: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide(tc.votes, tc.quorum)
			if got.Reached != tc.reached {
				t.Fatalf("reached = %v, want %v", got.Reached, tc.reached)
			}
			if got.Decision != tc.decision {
				t.Fatalf("decision = %q, want %q", got.Decision, tc.decision)
			}
			if got.Total != len(tc.votes) {
				t.Fatalf("total = %d, want %d", got.Total, len(tc.votes))
			}
		})
	}
}

func TestDecideUsesWeights(t *testing.T) {
	ballots := votes(4, 6, 0)
	for i := range ballots {
		if ballots[i].Value == dispute.VoteFavorTenant {
			ballots[i].Weight = 2
		}
	}
	got := Decide(ballots, 10)
	if got.Decision != DecisionFavorTenant {
		t.Fatalf("decision = %q, want favor-tenant (8 vs 6 weighted)", got.Decision)
	}
	if got.Counts[dispute.VoteFavorLandlord] != 6 || got.Weights[dispute.VoteFavorTenant] != 8 {
		t.Fatalf("unexpected tally %+v", got.Tally)
	}
}

func TestCountDefaultsNonPositiveWeight(t *testing.T) {
	tally := Count([]dispute.Vote{{Value: dispute.VoteAbstain, Weight: 0}})
	if tally.Weights[dispute.VoteAbstain] != 1 {
		t.Fatalf("weight = %v, want 1", tally.Weights[dispute.VoteAbstain])
	}
}

func TestPolicyEvaluateEscalatesAfterLastExtension(t *testing.T) {
	policy := DefaultPolicy()

	held := policy.Evaluate(votes(5, 5, 0), 10, 0)
	if held.Decision != DecisionHold {
		t.Fatalf("decision = %q, want hold", held.Decision)
	}
	if next := policy.NextQuorum(held.Total); next != 15 {
		t.Fatalf("next quorum = %d, want 15", next)
	}

	exhausted := policy.Evaluate(votes(10, 10, 0), 20, policy.MaxExtensions)
	if exhausted.Decision != DecisionEscalateToAdmin {
		t.Fatalf("decision = %q, want escalate-to-admin", exhausted.Decision)
	}

	clear := policy.Evaluate(votes(8, 7, 0), 15, 1)
	if clear.Decision != DecisionFavorTenant {
		t.Fatalf("decision = %q, want favor-tenant", clear.Decision)
	}

	// A raised target below the configured quorum never lowers it.
	if got := policy.Evaluate(votes(6, 0, 0), 3, 0); got.Reached {
		t.Fatal("expected configured quorum to apply")
	}
}

func TestDecisionTargetStatus(t *testing.T) {
	cases := map[Decision]dispute.Status{
		DecisionFavorTenant:     dispute.StatusResolved,
		DecisionFavorLandlord:   dispute.StatusDismissed,
		DecisionEscalateToAdmin: dispute.StatusEscalatedToAdmin,
	}
	for decision, want := range cases {
		got, ok := decision.TargetStatus()
		if !ok || got != want {
			t.Fatalf("%s -> %q, %v", decision, got, ok)
		}
		if !decision.Closes() {
			t.Fatalf("%s should close", decision)
		}
	}
	if _, ok := DecisionHold.TargetStatus(); ok || DecisionHold.Closes() {
		t.Fatal("hold must not close")
	}
}

package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Role string
type Action string

const (
	RoleTenant   Role = "tenant"
	RoleLandlord Role = "landlord"
	RoleJuror    Role = "juror"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

const (
	ActionView           Action = "view"
	ActionReport         Action = "report"
	ActionEscalate       Action = "escalate"
	ActionWithdraw       Action = "withdraw"
	ActionRespond        Action = "respond"
	ActionAttachEvidence Action = "attach-evidence"
	ActionVote           Action = "vote"
	ActionCompliance     Action = "compliance"
	ActionAdminResolve   Action = "admin-resolve"
)

// Can reports whether a role may perform an action at all. Issue-specific
// guards (reporter, landlord of record) are layered on by Policy.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return action != ActionVote
	case RoleSystem:
		return action == ActionEscalate || action == ActionView
	case RoleTenant:
		return action == ActionView || action == ActionReport || action == ActionEscalate ||
			action == ActionWithdraw || action == ActionAttachEvidence || action == ActionCompliance
	case RoleLandlord:
		return action == ActionView || action == ActionRespond || action == ActionAttachEvidence
	case RoleJuror:
		return action == ActionView || action == ActionVote
	default:
		return false
	}
}

// Valid reports whether role is one of the known roles.
func Valid(role string) bool {
	switch Role(role) {
	case RoleTenant, RoleLandlord, RoleJuror, RoleAdmin, RoleSystem:
		return true
	default:
		return false
	}
}

var ErrUnknownActor = errors.New("unknown actor")

// Parties are the actors of record on an issue.
type Parties struct {
	ReporterID string
	LandlordID string
}

type Directory interface {
	ActorRole(ctx context.Context, actorID string) (Role, error)
	IssueParties(ctx context.Context, issueID string) (Parties, error)
}

// Policy answers canPerform(actor, operation, issue) against an actor
// directory. Unknown actors are denied rather than treated as errors.
type Policy struct {
	dir Directory
}

func NewPolicy(dir Directory) *Policy {
	return &Policy{dir: dir}
}

func (p *Policy) CanPerform(ctx context.Context, actorID string, action Action, issueID string) (bool, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return false, nil
	}
	role, err := p.dir.ActorRole(ctx, actorID)
	if errors.Is(err, ErrUnknownActor) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup actor role: %w", err)
	}
	if !Can(role, action) {
		return false, nil
	}
	if issueID == "" || role == RoleAdmin || role == RoleSystem {
		return true, nil
	}

	parties, err := p.dir.IssueParties(ctx, issueID)
	if err != nil {
		return false, fmt.Errorf("lookup issue parties: %w", err)
	}
	switch action {
	case ActionEscalate, ActionWithdraw, ActionCompliance:
		return actorID == parties.ReporterID, nil
	case ActionRespond:
		return parties.LandlordID != "" && actorID == parties.LandlordID, nil
	case ActionAttachEvidence:
		return actorID == parties.ReporterID || (parties.LandlordID != "" && actorID == parties.LandlordID), nil
	case ActionVote:
		return actorID != parties.ReporterID && actorID != parties.LandlordID, nil
	case ActionView:
		if role == RoleJuror {
			return true, nil
		}
		return actorID == parties.ReporterID || actorID == parties.LandlordID, nil
	default:
		return true, nil
	}
}

package dispute

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending            Status = "pending"
	StatusInReview           Status = "in-review"
	StatusUnderInvestigation Status = "under-investigation"
	StatusEscalated          Status = "escalated"
	StatusResolved           Status = "resolved"
	StatusDismissed          Status = "dismissed"
	StatusEscalatedToAdmin   Status = "escalated-to-admin"
)

var statuses = map[Status]struct{}{
	StatusPending:            {},
	StatusInReview:           {},
	StatusUnderInvestigation: {},
	StatusEscalated:          {},
	StatusResolved:           {},
	StatusDismissed:          {},
	StatusEscalatedToAdmin:   {},
}

// Terminal statuses accept no further transitions apart from the
// compliance follow-up on resolved issues.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusDismissed
}

// Escalated covers both DAO review and the admin shortcut.
func (s Status) Escalated() bool {
	return s == StatusEscalated || s == StatusEscalatedToAdmin
}

func (s Status) Valid() bool {
	_, ok := statuses[s]
	return ok
}

// ParseStatus maps stored or inbound values onto the canonical vocabulary.
// Older rows used underscores.
func ParseStatus(value string) (Status, error) {
	normalized := Status(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "_", "-"))
	if !normalized.Valid() {
		return "", fmt.Errorf("unknown issue status %q", value)
	}
	return normalized, nil
}

type Category string

const (
	CategoryMaintenance    Category = "maintenance"
	CategorySafety         Category = "safety"
	CategoryHarassment     Category = "harassment"
	CategoryDiscrimination Category = "discrimination"
	CategoryDeposit        Category = "deposit"
	CategoryLease          Category = "lease"
	CategoryNoise          Category = "noise"
	CategoryOther          Category = "other"
)

var categories = map[Category]struct{}{
	CategoryMaintenance:    {},
	CategorySafety:         {},
	CategoryHarassment:     {},
	CategoryDiscrimination: {},
	CategoryDeposit:        {},
	CategoryLease:          {},
	CategoryNoise:          {},
	CategoryOther:          {},
}

func (c Category) Valid() bool {
	_, ok := categories[c]
	return ok
}

func ParseCategory(value string) (Category, error) {
	category := Category(strings.ToLower(strings.TrimSpace(value)))
	if !category.Valid() {
		return "", fmt.Errorf("unknown issue category %q", value)
	}
	return category, nil
}

type VerdictCategory string

const (
	VerdictFraudulent       VerdictCategory = "fraudulent"
	VerdictLikelyFraudulent VerdictCategory = "likely-fraudulent"
	VerdictInconclusive     VerdictCategory = "inconclusive"
	VerdictLikelyLegitimate VerdictCategory = "likely-legitimate"
	VerdictLegitimate       VerdictCategory = "legitimate"
)

func ParseVerdictCategory(value string) (VerdictCategory, error) {
	category := VerdictCategory(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "_", "-"))
	switch category {
	case VerdictFraudulent, VerdictLikelyFraudulent, VerdictInconclusive, VerdictLikelyLegitimate, VerdictLegitimate:
		return category, nil
	default:
		return "", fmt.Errorf("unknown verdict category %q", value)
	}
}

type VoteValue string

const (
	VoteFavorTenant   VoteValue = "favor-tenant"
	VoteFavorLandlord VoteValue = "favor-landlord"
	VoteAbstain       VoteValue = "abstain"
)

// voteAliases maps every vocabulary seen in stored votes onto the canonical
// three-way enum.
var voteAliases = map[string]VoteValue{
	"favor-tenant":         VoteFavorTenant,
	"favor_tenant":         VoteFavorTenant,
	"valid":                VoteFavorTenant,
	"favor-landlord":       VoteFavorLandlord,
	"favor_landlord":       VoteFavorLandlord,
	"invalid":              VoteFavorLandlord,
	"abstain":              VoteAbstain,
	"needs-review":         VoteAbstain,
	"needs_review":         VoteAbstain,
	"needs-more-info":      VoteAbstain,
	"request-more-context": VoteAbstain,
	"request_more_context": VoteAbstain,
}

func ParseVoteValue(value string) (VoteValue, error) {
	canonical, ok := voteAliases[strings.ToLower(strings.TrimSpace(value))]
	if !ok {
		return "", fmt.Errorf("unknown vote value %q", value)
	}
	return canonical, nil
}

func (v VoteValue) Valid() bool {
	return v == VoteFavorTenant || v == VoteFavorLandlord || v == VoteAbstain
}

type Authenticity string

const (
	AuthenticityUnknown Authenticity = "unknown"
	AuthenticityValid   Authenticity = "valid"
	AuthenticityInvalid Authenticity = "invalid"
)

// AuthenticityOf converts the nullable stored flag.
func AuthenticityOf(flag *bool) Authenticity {
	switch {
	case flag == nil:
		return AuthenticityUnknown
	case *flag:
		return AuthenticityValid
	default:
		return AuthenticityInvalid
	}
}

type EventType string

const (
	EventIssueCreated       EventType = "issue.created"
	EventEvidenceAttached   EventType = "evidence.attached"
	EventVerdictReceived    EventType = "verdict.received"
	EventReviewStarted      EventType = "review.started"
	EventLandlordResponded  EventType = "landlord.responded"
	EventEscalated          EventType = "issue.escalated"
	EventWithdrawn          EventType = "issue.withdrawn"
	EventVoteCast           EventType = "vote.cast"
	EventVotingExtended     EventType = "voting.extended"
	EventConsensusApplied   EventType = "consensus.applied"
	EventComplianceRecorded EventType = "compliance.recorded"
	EventAdminResolved      EventType = "admin.resolved"
)

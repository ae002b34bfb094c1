// Package dispute holds the records shared by the lifecycle and consensus
// engines together with the closed vocabularies they are stored in.
package dispute

import (
	"time"

	"rentshield/api/internal/rbac"
)

type Issue struct {
	ID             string     `json:"id"`
	Category       Category   `json:"category"`
	Severity       int        `json:"severity"`
	Status         Status     `json:"status"`
	Description    string     `json:"description"`
	ReporterID     string     `json:"reporterId"`
	LandlordID     string     `json:"landlordId,omitempty"`
	PropertyID     string     `json:"propertyId,omitempty"`
	VotingDeadline *time.Time `json:"votingDeadline,omitempty"`
	QuorumTarget   int        `json:"quorumTarget"`
	Extensions     int        `json:"extensions"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

type Evidence struct {
	ID         string    `json:"id"`
	IssueID    string    `json:"issueId"`
	FileRef    string    `json:"fileRef"`
	MimeType   string    `json:"mimeType"`
	SizeBytes  int64     `json:"sizeBytes"`
	Authentic  *bool     `json:"authentic"`
	UploadedBy string    `json:"uploadedBy"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type EvidenceAnalysis struct {
	EvidenceID string  `json:"evidenceId,omitempty"`
	Authentic  *bool   `json:"authentic,omitempty"`
	Score      float64 `json:"score"`
	Notes      string  `json:"notes,omitempty"`
}

type Recommendation struct {
	Action   string `json:"action"`
	Priority string `json:"priority,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type AIVerdict struct {
	IssueID          string             `json:"issueId"`
	Category         VerdictCategory    `json:"verdictCategory"`
	Confidence       float64            `json:"confidence"`
	TenantScore      float64            `json:"tenantScore"`
	LandlordScore    float64            `json:"landlordScore"`
	EvidenceAnalysis []EvidenceAnalysis `json:"evidenceAnalysis"`
	Recommendations  []Recommendation   `json:"recommendations"`
	Reasoning        string             `json:"reasoning"`
	ReceivedAt       time.Time          `json:"receivedAt"`
}

type Vote struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issueId"`
	JurorID   string    `json:"jurorId"`
	Value     VoteValue `json:"value"`
	Weight    float64   `json:"weight"`
	Reasoning string    `json:"reasoning,omitempty"`
	CastAt    time.Time `json:"castAt"`
}

type TimelineEvent struct {
	ID         int64          `json:"id"`
	IssueID    string         `json:"issueId"`
	Type       EventType      `json:"type"`
	Message    string         `json:"message"`
	ActorID    string         `json:"actorId"`
	Role       rbac.Role      `json:"role"`
	FromStatus Status         `json:"fromStatus,omitempty"`
	ToStatus   Status         `json:"toStatus,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Actor is a directory entry for anyone who can act on an issue.
type Actor struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Role        rbac.Role `json:"role"`
	VoteWeight  float64   `json:"voteWeight"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SystemActor is used for transitions fired by automatic rules.
var SystemActor = Actor{ID: "system", DisplayName: "RentShield", Role: rbac.RoleSystem, VoteWeight: 1}

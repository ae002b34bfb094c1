package dispute

import (
	"fmt"
	"strings"
)

const (
	MinSeverity = 1
	MaxSeverity = 10
)

// FieldError names a single rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type NewEvidence struct {
	FileRef   string `json:"fileRef"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}

func (e NewEvidence) Validate(prefix string) []FieldError {
	var errs []FieldError
	if strings.TrimSpace(e.FileRef) == "" {
		errs = append(errs, FieldError{Field: prefix + "fileRef", Message: "fileRef is required"})
	}
	if mime := strings.TrimSpace(e.MimeType); mime == "" || !strings.Contains(mime, "/") {
		errs = append(errs, FieldError{Field: prefix + "mimeType", Message: "mimeType must be a MIME type"})
	}
	if e.SizeBytes < 0 {
		errs = append(errs, FieldError{Field: prefix + "sizeBytes", Message: "sizeBytes must not be negative"})
	}
	return errs
}

// Report is a tenant's filing before it becomes an Issue.
type Report struct {
	Category    string        `json:"category"`
	Severity    int           `json:"severity"`
	Description string        `json:"description"`
	LandlordID  string        `json:"landlordId"`
	PropertyID  string        `json:"propertyId"`
	Evidence    []NewEvidence `json:"evidence"`
}

func (r Report) Validate() []FieldError {
	var errs []FieldError
	if strings.TrimSpace(r.Description) == "" {
		errs = append(errs, FieldError{Field: "description", Message: "description is required"})
	}
	if strings.TrimSpace(r.Category) == "" {
		errs = append(errs, FieldError{Field: "category", Message: "category is required"})
	} else if _, err := ParseCategory(r.Category); err != nil {
		errs = append(errs, FieldError{Field: "category", Message: err.Error()})
	}
	if r.Severity < MinSeverity || r.Severity > MaxSeverity {
		errs = append(errs, FieldError{Field: "severity", Message: fmt.Sprintf("severity must be between %d and %d", MinSeverity, MaxSeverity)})
	}
	for i, item := range r.Evidence {
		errs = append(errs, item.Validate(fmt.Sprintf("evidence[%d].", i))...)
	}
	return errs
}

// VerdictInput is the payload delivered by the classification collaborator.
type VerdictInput struct {
	IssueID          string             `json:"issueId"`
	VerdictCategory  string             `json:"verdictCategory"`
	Confidence       float64            `json:"confidence"`
	TenantScore      float64            `json:"tenantScore"`
	LandlordScore    float64            `json:"landlordScore"`
	EvidenceAnalysis []EvidenceAnalysis `json:"evidenceAnalysis"`
	Recommendations  []Recommendation   `json:"recommendations"`
	Reasoning        string             `json:"reasoning"`
}

func (v VerdictInput) Validate() []FieldError {
	var errs []FieldError
	if strings.TrimSpace(v.IssueID) == "" {
		errs = append(errs, FieldError{Field: "issueId", Message: "issueId is required"})
	}
	if _, err := ParseVerdictCategory(v.VerdictCategory); err != nil {
		errs = append(errs, FieldError{Field: "verdictCategory", Message: err.Error()})
	}
	scores := []struct {
		field string
		value float64
	}{
		{"confidence", v.Confidence},
		{"tenantScore", v.TenantScore},
		{"landlordScore", v.LandlordScore},
	}
	for _, score := range scores {
		if score.value < 0 || score.value > 100 {
			errs = append(errs, FieldError{Field: score.field, Message: score.field + " must be between 0 and 100"})
		}
	}
	for i, item := range v.EvidenceAnalysis {
		if item.Score < 0 || item.Score > 100 {
			errs = append(errs, FieldError{Field: fmt.Sprintf("evidenceAnalysis[%d].score", i), Message: "score must be between 0 and 100"})
		}
	}
	return errs
}

// Verdict converts validated input into the stored record.
func (v VerdictInput) Verdict() AIVerdict {
	category, _ := ParseVerdictCategory(v.VerdictCategory)
	analysis := v.EvidenceAnalysis
	if analysis == nil {
		analysis = []EvidenceAnalysis{}
	}
	recommendations := v.Recommendations
	if recommendations == nil {
		recommendations = []Recommendation{}
	}
	return AIVerdict{
		IssueID:          strings.TrimSpace(v.IssueID),
		Category:         category,
		Confidence:       v.Confidence,
		TenantScore:      v.TenantScore,
		LandlordScore:    v.LandlordScore,
		EvidenceAnalysis: analysis,
		Recommendations:  recommendations,
		Reasoning:        strings.TrimSpace(v.Reasoning),
	}
}

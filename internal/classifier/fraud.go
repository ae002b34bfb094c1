package classifier

import (
	"fmt"
	"strings"

	"rentshield/api/internal/dispute"
)

const (
	duplicateRisk = 30
	timelineRisk  = 25
)

// signals are deterministic fraud indicators computed before the model is
// asked, so a weak model cannot talk them away.
type signals struct {
	Indicators []string
	RiskScore  int
}

func fraudSignals(issue dispute.Issue, evidence []dispute.Evidence) signals {
	var out signals

	seen := make(map[string]string, len(evidence))
	var duplicates []string
	for _, item := range evidence {
		ref := strings.ToLower(strings.TrimSpace(item.FileRef))
		if ref == "" {
			continue
		}
		if first, ok := seen[ref]; ok {
			duplicates = append(duplicates, fmt.Sprintf("%s repeats %s", item.ID, first))
			continue
		}
		seen[ref] = item.ID
	}
	if len(duplicates) > 0 {
		out.Indicators = append(out.Indicators, "Duplicate evidence files: "+strings.Join(duplicates, ", "))
		out.RiskScore += duplicateRisk
	}

	if !issue.CreatedAt.IsZero() {
		for _, item := range evidence {
			if !item.UploadedAt.IsZero() && item.UploadedAt.Before(issue.CreatedAt) {
				out.Indicators = append(out.Indicators, fmt.Sprintf("Evidence %s is dated before the report was filed", item.ID))
				out.RiskScore += timelineRisk
				break
			}
		}
	}
	return out
}

func (s signals) recommendations() []dispute.Recommendation {
	if len(s.Indicators) == 0 {
		return nil
	}
	priority := "medium"
	if s.RiskScore >= 50 {
		priority = "high"
	}
	return []dispute.Recommendation{{
		Action:   "Verify evidence integrity",
		Priority: priority,
		Detail:   fmt.Sprintf("Fraud risk %d/100: %s", s.RiskScore, strings.Join(s.Indicators, "; ")),
	}}
}

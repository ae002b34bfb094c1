package classifier

import (
	"fmt"
	"strings"

	"rentshield/api/internal/dispute"
)

const systemPrompt = `You are an expert housing dispute analyst reviewing a tenant report for a
tenant-protection platform. Weigh the report and its evidence, flag signs of
fabrication, and score each party's position independently from 0 to 100.

Respond with a single JSON object and nothing else:
{
  "verdictCategory": "fraudulent | likely_fraudulent | inconclusive | likely_legitimate | legitimate",
  "confidence": 0-100,
  "tenantScore": 0-100,
  "landlordScore": 0-100,
  "evidenceAnalysis": [{"evidenceId": "...", "authentic": true, "score": 0-100, "notes": "..."}],
  "recommendations": [{"action": "...", "priority": "low | medium | high | critical", "detail": "..."}],
  "reasoning": "..."
}`

// userPrompt renders the case for the model. Evidence is listed by id so the
// model can refer back to it in evidenceAnalysis.
func userPrompt(issue dispute.Issue, evidence []dispute.Evidence, checks signals) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ISSUE ID: %s\n", issue.ID)
	fmt.Fprintf(&b, "CATEGORY: %s\n", issue.Category)
	fmt.Fprintf(&b, "REPORTED SEVERITY: %d/10\n\n", issue.Severity)
	b.WriteString("ISSUE DESCRIPTION:\n")
	b.WriteString(strings.TrimSpace(issue.Description))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "EVIDENCE PROVIDED: %d items\n", len(evidence))
	for _, item := range evidence {
		fmt.Fprintf(&b, "- id=%s type=%s size=%d bytes\n", item.ID, item.MimeType, item.SizeBytes)
	}
	if len(checks.Indicators) > 0 {
		fmt.Fprintf(&b, "\nAUTOMATED CHECKS (fraud risk %d/100):\n", checks.RiskScore)
		for _, indicator := range checks.Indicators {
			fmt.Fprintf(&b, "- %s\n", indicator)
		}
	}
	b.WriteString("\nClassify the case and return the JSON object described above.")
	return b.String()
}

package dispute

import (
	"strings"
	"testing"
)

func TestParseVoteValueAliases(t *testing.T) {
	cases := []struct {
		in   string
		want VoteValue
	}{
		{in: "favor-tenant", want: VoteFavorTenant},
		{in: "favor_tenant", want: VoteFavorTenant},
		{in: "valid", want: VoteFavorTenant},
		{in: "FAVOR-LANDLORD", want: VoteFavorLandlord},
		{in: "favor_landlord", want: VoteFavorLandlord},
		{in: "invalid", want: VoteFavorLandlord},
		{in: "abstain", want: VoteAbstain},
		{in: "needs-review", want: VoteAbstain},
		{in: "request-more-context", want: VoteAbstain},
		{in: " needs-more-info ", want: VoteAbstain},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseVoteValue(tc.in)
			if err != nil {
				t.Fatalf("ParseVoteValue(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseVoteValue(%q) = %q, want %q", tc.in, got, tc.want)
			}
			if !got.Valid() {
				t.Fatalf("%q is not canonical", got)
			}
		})
	}

	if _, err := ParseVoteValue("maybe"); err == nil {
		t.Fatal("expected error for unknown vote value")
	}
}

func TestParseStatusKeepsCanonicalVocabulary(t *testing.T) {
	want := []Status{
		StatusPending, StatusInReview, StatusUnderInvestigation, StatusEscalated,
		StatusResolved, StatusDismissed, StatusEscalatedToAdmin,
	}
	for _, status := range want {
		got, err := ParseStatus(string(status))
		if err != nil || got != status {
			t.Fatalf("ParseStatus(%q) = %q, %v", status, got, err)
		}
	}
	if got, err := ParseStatus("escalated_to_admin"); err != nil || got != StatusEscalatedToAdmin {
		t.Fatalf("underscore alias: got %q, %v", got, err)
	}
	if _, err := ParseStatus("closed"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestStatusPredicates(t *testing.T) {
	if !StatusResolved.Terminal() || !StatusDismissed.Terminal() {
		t.Fatal("resolved and dismissed must be terminal")
	}
	if StatusEscalatedToAdmin.Terminal() {
		t.Fatal("escalated-to-admin is not terminal")
	}
	if !StatusEscalatedToAdmin.Escalated() || StatusInReview.Escalated() {
		t.Fatal("unexpected Escalated result")
	}
}

func TestReportValidate(t *testing.T) {
	valid := Report{Category: "maintenance", Severity: 5, Description: "Heating broken since November"}
	if errs := valid.Validate(); len(errs) != 0 {
		t.Fatalf("expected valid report, got %+v", errs)
	}

	cases := []struct {
		name   string
		report Report
		field  string
	}{
		{name: "missing description", report: Report{Category: "maintenance", Severity: 5, Description: "  "}, field: "description"},
		{name: "missing category", report: Report{Severity: 5, Description: "x"}, field: "category"},
		{name: "unknown category", report: Report{Category: "parking", Severity: 5, Description: "x"}, field: "category"},
		{name: "severity low", report: Report{Category: "noise", Severity: 0, Description: "x"}, field: "severity"},
		{name: "severity high", report: Report{Category: "noise", Severity: 11, Description: "x"}, field: "severity"},
		{
			name:   "bad evidence",
			report: Report{Category: "noise", Severity: 3, Description: "x", Evidence: []NewEvidence{{FileRef: "s3://a", MimeType: "image", SizeBytes: 1}}},
			field:  "evidence[0].mimeType",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := tc.report.Validate()
			found := false
			for _, e := range errs {
				if e.Field == tc.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected error on %s, got %+v", tc.field, errs)
			}
		})
	}
}

func TestVerdictInputValidate(t *testing.T) {
	input := VerdictInput{
		IssueID:         "iss_1",
		VerdictCategory: "likely_legitimate",
		Confidence:      80,
		TenantScore:     70,
		LandlordScore:   70,
	}
	if errs := input.Validate(); len(errs) != 0 {
		t.Fatalf("scores need not sum to 100: %+v", errs)
	}
	verdict := input.Verdict()
	if verdict.Category != VerdictLikelyLegitimate {
		t.Fatalf("category = %q", verdict.Category)
	}
	if verdict.EvidenceAnalysis == nil || verdict.Recommendations == nil {
		t.Fatal("expected empty slices, not nil")
	}

	input.Confidence = 101
	input.VerdictCategory = "suspicious"
	errs := input.Validate()
	var fields []string
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	joined := strings.Join(fields, ",")
	if !strings.Contains(joined, "confidence") || !strings.Contains(joined, "verdictCategory") {
		t.Fatalf("unexpected errors: %s", joined)
	}
}

func TestAuthenticityOf(t *testing.T) {
	yes, no := true, false
	if AuthenticityOf(nil) != AuthenticityUnknown || AuthenticityOf(&yes) != AuthenticityValid || AuthenticityOf(&no) != AuthenticityInvalid {
		t.Fatal("unexpected authenticity mapping")
	}
}

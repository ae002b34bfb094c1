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
	"rentshield/api/internal/store"
	"rentshield/api/internal/util"
)

// CreateIssue files a tenant report. The issue starts pending and initial
// evidence is appended in the same transaction.
func (s *Service) CreateIssue(ctx context.Context, actor dispute.Actor, report dispute.Report) (dispute.Issue, error) {
	if err := s.authorize(ctx, actor, rbac.ActionReport, ""); err != nil {
		return dispute.Issue{}, err
	}
	if err := fieldErrors(report.Validate()); err != nil {
		return dispute.Issue{}, err
	}
	category, _ := dispute.ParseCategory(report.Category)

	now := s.now()
	issue := dispute.Issue{
		ID:           util.NewID("iss"),
		Category:     category,
		Severity:     report.Severity,
		Status:       dispute.StatusPending,
		Description:  strings.TrimSpace(report.Description),
		ReporterID:   actor.ID,
		LandlordID:   strings.TrimSpace(report.LandlordID),
		PropertyID:   strings.TrimSpace(report.PropertyID),
		QuorumTarget: s.policy.Quorum,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if issue.LandlordID == actor.ID {
		return dispute.Issue{}, validationError("reporter cannot be the landlord of record", map[string]any{"field": "landlordId"})
	}

	items := make([]dispute.Evidence, 0, len(report.Evidence))
	for i, item := range report.Evidence {
		evidence, err := s.newEvidence(ctx, issue.ID, actor, item, fmt.Sprintf("evidence[%d].", i))
		if err != nil {
			return dispute.Issue{}, err
		}
		items = append(items, evidence)
	}

	u := &unit{issue: &issue, enqueue: true}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		if err := s.store.InsertIssue(ctx, issue); err != nil {
			return err
		}
		for _, item := range items {
			if err := s.store.InsertEvidence(ctx, item); err != nil {
				return err
			}
		}
		return s.record(ctx, u, issue, actor, dispute.EventIssueCreated, "Issue reported",
			map[string]any{"category": string(issue.Category), "severity": issue.Severity, "evidenceCount": len(items)})
	})
	if err != nil {
		return dispute.Issue{}, err
	}
	s.afterCommit(ctx, u)
	return issue, nil
}

// newEvidence validates an evidence reference. Files in the evidence bucket
// must already be uploaded; their size and type come from the object store.
func (s *Service) newEvidence(ctx context.Context, issueID string, actor dispute.Actor, item dispute.NewEvidence, prefix string) (dispute.Evidence, error) {
	if s.blob != nil && s.blob.Owns(strings.TrimSpace(item.FileRef)) {
		info, err := s.blob.Stat(ctx, strings.TrimSpace(item.FileRef))
		if err != nil {
			return dispute.Evidence{}, validationError("evidence file has not been uploaded",
				map[string]any{"field": prefix + "fileRef", "error": err.Error()})
		}
		item.SizeBytes = info.SizeBytes
		if strings.TrimSpace(item.MimeType) == "" && info.ContentType != "" {
			item.MimeType = info.ContentType
		}
	}
	if err := fieldErrors(item.Validate(prefix)); err != nil {
		return dispute.Evidence{}, err
	}
	return dispute.Evidence{
		ID:         util.NewID("ev"),
		IssueID:    issueID,
		FileRef:    strings.TrimSpace(item.FileRef),
		MimeType:   strings.ToLower(strings.TrimSpace(item.MimeType)),
		SizeBytes:  item.SizeBytes,
		UploadedBy: actor.ID,
		UploadedAt: s.now(),
	}, nil
}

// ReceiveVerdict is the AI verdict sink. Re-delivery replaces the stored
// verdict; only a pending issue with enough confidence moves to review.
func (s *Service) ReceiveVerdict(ctx context.Context, input dispute.VerdictInput) (dispute.Issue, error) {
	if err := fieldErrors(input.Validate()); err != nil {
		s.metrics.Verdict(false)
		return dispute.Issue{}, err
	}
	verdict := input.Verdict()

	var result dispute.Issue
	advanced := false
	err := s.withIssue(ctx, verdict.IssueID, func(ctx context.Context, issue *dispute.Issue, u *unit) error {
		verdict.ReceivedAt = s.stamp(*issue)
		if err := s.store.UpsertVerdict(ctx, verdict); err != nil {
			return err
		}

		marked := 0
		if !issue.Status.Terminal() {
			for _, analysis := range verdict.EvidenceAnalysis {
				if analysis.EvidenceID == "" || analysis.Authentic == nil {
					continue
				}
				changed, err := s.store.MarkEvidenceAuthenticity(ctx, issue.ID, analysis.EvidenceID, *analysis.Authentic)
				if err != nil {
					return err
				}
				if changed {
					marked++
				}
			}
		}

		system := dispute.SystemActor
		if err := s.record(ctx, u, *issue, system, dispute.EventVerdictReceived,
			fmt.Sprintf("AI verdict received: %s (%.0f%% confidence)", verdict.Category, verdict.Confidence),
			map[string]any{
				"verdictCategory": string(verdict.Category),
				"confidence":      verdict.Confidence,
				"tenantScore":     verdict.TenantScore,
				"landlordScore":   verdict.LandlordScore,
				"evidenceMarked":  marked,
			}); err != nil {
			return err
		}

		if issue.Status == dispute.StatusPending && verdict.Confidence >= s.cfg.Lifecycle.ConfidenceFloor {
			if err := s.transition(ctx, u, issue, dispute.StatusInReview, system, dispute.EventReviewStarted,
				"Issue moved to review", map[string]any{"confidence": verdict.Confidence}); err != nil {
				return err
			}
			advanced = true

			threshold := s.cfg.Lifecycle.AutoEscalateSeverity
			if threshold > 0 && issue.Severity >= threshold {
				if err := s.escalate(ctx, u, issue, system, "Severity requires community review"); err != nil {
					return err
				}
			}
		}
		result = *issue
		return nil
	})
	if err != nil {
		return dispute.Issue{}, err
	}
	s.metrics.Verdict(advanced)
	return result, nil
}

// RespondAsLandlord records the landlord's response and opens an
// investigation.
func (s *Service) RespondAsLandlord(ctx context.Context, issueID string, actor dispute.Actor, message string) (dispute.Issue, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return dispute.Issue{}, validationError("message is required", map[string]any{"field": "message"})
	}
	var result dispute.Issue
	err := s.withIssue(ctx, issueID, func(ctx context.Context, issue *dispute.Issue, u *unit) error {
		if err := s.authorize(ctx, actor, rbac.ActionRespond, issue.ID); err != nil {
			return err
		}
		if issue.LandlordID == "" || issue.LandlordID != actor.ID {
			return forbidden("only the landlord of record may respond")
		}
		if issue.Status != dispute.StatusInReview {
			return invalidTransition(string(issue.Status), "respond to")
		}
		if err := s.transition(ctx, u, issue, dispute.StatusUnderInvestigation, actor, dispute.EventLandlordResponded,
			message, nil); err != nil {
			return err
		}
		result = *issue
		return nil
	})
	return result, err
}

// RequestEscalation hands the issue to the juror pool.
func (s *Service) RequestEscalation(ctx context.Context, issueID string, actor dispute.Actor, reason string) (dispute.Issue, error) {
	var result dispute.Issue
	err := s.withIssue(ctx, issueID, func(ctx context.Context, issue *dispute.Issue, u *unit) error {
		if err := s.authorize(ctx, actor, rbac.ActionEscalate, issue.ID); err != nil {
			return err
		}
		if actor.Role != rbac.RoleSystem && actor.ID != issue.ReporterID {
			return forbidden("only the reporter may escalate")
		}
		if issue.Status.Terminal() || issue.Status.Escalated() {
			return invalidTransition(string(issue.Status), "escalate")
		}
		if strings.TrimSpace(reason) == "" {
			reason = "Escalated to community review"
		}
		if err := s.escalate(ctx, u, issue, actor, strings.TrimSpace(reason)); err != nil {
			return err
		}
		result = *issue
		return nil
	})
	return result, err
}

func (s *Service) escalate(ctx context.Context, u *unit, issue *dispute.Issue, actor dispute.Actor, message string) error {
	deadline := s.stamp(*issue).Add(s.cfg.Lifecycle.VotingWindow)
	issue.VotingDeadline = &deadline
	issue.QuorumTarget = s.policy.Quorum
	issue.Extensions = 0
	return s.transition(ctx, u, issue, dispute.StatusEscalated, actor, dispute.EventEscalated, message,
		map[string]any{"votingDeadline": deadline, "quorumTarget": issue.QuorumTarget})
}

// Withdraw dismisses a non-terminal issue at the reporter's request.
func (s *Service) Withdraw(ctx context.Context, issueID string, actor dispute.Actor, reason string) (dispute.Issue, error) {
	var result dispute.Issue
	err := s.withIssue(ctx, issueID, func(ctx context.Context, issue *dispute.Issue, u *unit) error {
		if err := s.authorize(ctx, actor, rbac.ActionWithdraw, issue.ID); err != nil {
			return err
		}
		if actor.ID != issue.ReporterID {
			return forbidden("only the reporter may withdraw")
		}
		if issue.Status.Terminal() {
			return invalidTransition(string(issue.Status), "withdraw")
		}
		message := strings.TrimSpace(reason)
		if message == "" {
			message = "Withdrawn by reporter"
		}
		if err := s.transition(ctx, u, issue, dispute.StatusDismissed, actor, dispute.EventWithdrawn, message, nil); err != nil {
			return err
		}
		result = *issue
		return nil
	})
	return result, err
}

// ApplyConsensus closes an escalated issue with a consensus result. CastVote
// calls the same rule inside its own lock.
func (s *Service) ApplyConsensus(ctx context.Context, issueID string, result consensus.Result) (dispute.Issue, error) {
	var closed dispute.Issue
	err := s.withIssue(ctx, issueID, func(ctx context.Context, issue *dispute.Issue, u *unit) error {
		if issue.Status != dispute.StatusEscalated {
			return escalatedOnly(issue.Status)
		}
		// The caller's result is only trusted when the ledger agrees with it.
		votes, err := s.store.ListVotes(ctx, issue.ID)
		if err != nil {
			return err
		}
		tally := s.policy.Evaluate(votes, issue.QuorumTarget, issue.Extensions)
		if !tally.Reached {
			return preconditionFailed(fmt.Sprintf("quorum not reached: %d of %d votes", tally.Total, tally.Quorum),
				map[string]any{"total": tally.Total, "quorum": tally.Quorum})
		}
		if tally.Decision != result.Decision {
			return preconditionFailed(fmt.Sprintf("decision %q does not match the tally (%s)", result.Decision, tally.Decision),
				map[string]any{"decision": string(result.Decision), "tally": string(tally.Decision)})
		}
		if err := s.applyConsensus(ctx, u, issue, tally); err != nil {
			return err
		}
		closed = *issue
		return nil
	})
	return closed, err
}

func (s *Service) applyConsensus(ctx context.Context, u *unit, issue *dispute.Issue, result consensus.Result) error {
	if issue.Status != dispute.StatusEscalated {
		return escalatedOnly(issue.Status)
	}
	target, ok := result.Decision.TargetStatus()
	if !ok {
		return validationError(fmt.Sprintf("decision %q does not close an issue", result.Decision),
			map[string]any{"decision": string(result.Decision)})
	}
	if err := s.transition(ctx, u, issue, target, dispute.SystemActor, dispute.EventConsensusApplied,
		fmt.Sprintf("Community decision: %s", result.Decision),
		map[string]any{
			"decision": string(result.Decision),
			"total":    result.Total,
			"quorum":   result.Quorum,
			"counts":   result.Counts,
			"weights":  result.Weights,
		}); err != nil {
		return err
	}
	s.metrics.Decision(string(result.Decision))
	return nil
}

func escalatedOnly(status dispute.Status) error {
	return preconditionFailed(fmt.Sprintf("consensus applies only to escalated issues; issue is %s", status),
		map[string]any{"status": string(status)})
}

// AttachEvidence appends to the evidence ledger of a live issue.
func (s *Service) AttachEvidence(ctx context.Context, issueID string, actor dispute.Actor, item dispute.NewEvidence) (dispute.Evidence, error) {
	var saved dispute.Evidence
	err := s.withIssue(ctx, issueID, func(ctx context.Context, issue *dispute.Issue, u *unit) error {
		if err := s.authorize(ctx, actor, rbac.ActionAttachEvidence, issue.ID); err != nil {
			return err
		}
		if issue.Status.Terminal() {
			return invalidState(string(issue.Status))
		}
		evidence, err := s.newEvidence(ctx, issue.ID, actor, item, "")
		if err != nil {
			return err
		}
		if err := s.store.InsertEvidence(ctx, evidence); err != nil {
			if errors.Is(err, store.ErrImmutable) {
				return invalidState(string(issue.Status))
			}
			return err
		}
		saved = evidence
		return s.record(ctx, u, *issue, actor, dispute.EventEvidenceAttached, "Evidence attached",
			map[string]any{"evidenceId": evidence.ID, "mimeType": evidence.MimeType, "sizeBytes": evidence.SizeBytes})
	})
	return saved, err
}

// RecordCompliance is the follow-up on a resolved issue. Compliance leaves
// the issue resolved; non-compliance hands it to an administrator.
func (s *Service) RecordCompliance(ctx context.Context, issueID string, actor dispute.Actor, complied bool, note string) (dispute.Issue, error) {
	var result dispute.Issue
	err := s.withIssue(ctx, issueID, func(ctx context.Context, issue *dispute.Issue, u *unit) error {
		if err := s.authorize(ctx, actor, rbac.ActionCompliance, issue.ID); err != nil {
			return err
		}
		if issue.Status != dispute.StatusResolved {
			return invalidTransition(string(issue.Status), "record compliance on")
		}
		note = strings.TrimSpace(note)
		if complied {
			if note == "" {
				note = "Landlord complied with the resolution"
			}
			if err := s.record(ctx, u, *issue, actor, dispute.EventComplianceRecorded, note,
				map[string]any{"complied": true}); err != nil {
				return err
			}
			result = *issue
			return nil
		}
		if note == "" {
			note = "Landlord did not comply with the resolution"
		}
		if err := s.transition(ctx, u, issue, dispute.StatusEscalatedToAdmin, actor, dispute.EventComplianceRecorded, note,
			map[string]any{"complied": false}); err != nil {
			return err
		}
		result = *issue
		return nil
	})
	return result, err
}

// AdminDecision is the outcome an administrator assigns to an issue the
// community could not settle.
type AdminDecision string

const (
	AdminUphold  AdminDecision = "resolve"
	AdminDismiss AdminDecision = "dismiss"
)

// AdminResolve closes an issue escalated to administrators.
func (s *Service) AdminResolve(ctx context.Context, issueID string, actor dispute.Actor, decision AdminDecision, note string) (dispute.Issue, error) {
	var target dispute.Status
	switch AdminDecision(strings.ToLower(strings.TrimSpace(string(decision)))) {
	case AdminUphold:
		target = dispute.StatusResolved
	case AdminDismiss:
		target = dispute.StatusDismissed
	default:
		return dispute.Issue{}, validationError("decision must be resolve or dismiss", map[string]any{"field": "decision"})
	}

	var result dispute.Issue
	err := s.withIssue(ctx, issueID, func(ctx context.Context, issue *dispute.Issue, u *unit) error {
		if err := s.authorize(ctx, actor, rbac.ActionAdminResolve, issue.ID); err != nil {
			return err
		}
		if issue.Status != dispute.StatusEscalatedToAdmin {
			return invalidTransition(string(issue.Status), "admin-resolve")
		}
		note = strings.TrimSpace(note)
		if note == "" {
			note = fmt.Sprintf("Administrator decision: %s", target)
		}
		if err := s.transition(ctx, u, issue, target, actor, dispute.EventAdminResolved, note,
			map[string]any{"decision": string(decision)}); err != nil {
			return err
		}
		result = *issue
		return nil
	})
	return result, err
}

// extendVoting raises the quorum after a held tally and pushes the advisory
// deadline out.
func (s *Service) extendVoting(ctx context.Context, u *unit, issue *dispute.Issue, result consensus.Result) error {
	base := s.stamp(*issue)
	if issue.VotingDeadline != nil && issue.VotingDeadline.After(base) {
		base = *issue.VotingDeadline
	}
	deadline := base.Add(s.cfg.Lifecycle.ExtensionWindow)
	issue.VotingDeadline = &deadline
	issue.QuorumTarget = s.policy.NextQuorum(result.Total)
	issue.Extensions++
	issue.UpdatedAt = s.stamp(*issue)
	if err := s.store.UpdateIssueState(ctx, *issue); err != nil {
		return err
	}
	snapshot := *issue
	u.issue = &snapshot
	return s.record(ctx, u, *issue, dispute.SystemActor, dispute.EventVotingExtended,
		fmt.Sprintf("More jurors requested; voting extended to %d votes", issue.QuorumTarget),
		map[string]any{
			"quorumTarget":   issue.QuorumTarget,
			"votingDeadline": deadline.Format(time.RFC3339),
			"extensions":     issue.Extensions,
		})
}

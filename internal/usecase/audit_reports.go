package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"veritas/internal/domain"

	log "github.com/sirupsen/logrus"
)

const defaultPIIReportDays = 30

// GetSessionAuditReport summarizes the entries of a session visible to the
// caller. An unknown or fully hidden session is domain.ErrNotFound.
func (s *AuditService) GetSessionAuditReport(ctx context.Context, sessionID string) (domain.SessionAuditReport, error) {
	entries, err := s.visibleEntries(ctx, domain.SubjectSession, sessionID)
	if err != nil {
		return domain.SessionAuditReport{}, err
	}
	if len(entries) == 0 {
		return domain.SessionAuditReport{}, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	report := domain.SessionAuditReport{
		SessionID:   sessionID,
		TotalEvents: len(entries),
		Summary: domain.AuditSummary{
			ByCategory:  map[string]int{},
			BySeverity:  map[string]int{},
			ByEventType: map[string]int{},
		},
		Timeline:    make([]domain.TimelineItem, 0, len(entries)),
		GeneratedAt: s.now(),
	}
	for _, e := range entries {
		report.Summary.ByCategory[string(e.Category())]++
		report.Summary.BySeverity[string(e.Severity)]++
		report.Summary.ByEventType[string(e.EventType)]++
		report.Timeline = append(report.Timeline, domain.TimelineItem{
			Timestamp: e.Timestamp,
			EventType: e.EventType,
			Action:    e.Action,
			Actor:     e.ActorUserID,
		})
	}
	return report, nil
}

type PIIReportRequest struct {
	UserID   string
	TenantID string
	Days     int
}

// GetPIIAccessReport counts PII access over the last Days days. A caller
// that is not a platform admin is limited to its own tenant when none is named.
func (s *AuditService) GetPIIAccessReport(ctx context.Context, req PIIReportRequest) (domain.PIIAccessReport, error) {
	scope := TenantScopeFrom(ctx)
	tenantID := req.TenantID
	if tenantID == "" && !scope.IsPlatformAdmin {
		tenantID = scope.TenantID
	}
	var tenantFilter *string
	if tenantID != "" || !scope.IsPlatformAdmin {
		if err := scope.RequireAccess(tenantID); err != nil {
			return domain.PIIAccessReport{}, err
		}
		tenantFilter = StringPtr(tenantID)
	}
	days := req.Days
	if days <= 0 {
		days = defaultPIIReportDays
	}
	now := s.now()

	entries, err := s.storage.QueryEntries(ctx, AuditFilter{
		TenantID:    tenantFilter,
		EventTypes:  []domain.EventType{domain.EventPIIAccess, domain.EventPIIUnencryptedDetected},
		ActorUserID: req.UserID,
		Since:       now.Add(-time.Duration(days) * 24 * time.Hour),
	})
	if err != nil {
		return domain.PIIAccessReport{}, storageErr("query entries", err)
	}

	report := domain.PIIAccessReport{
		Users:       map[string]int{},
		Findings:    []domain.ComplianceFinding{},
		GeneratedAt: now,
	}
	records := make([]domain.PIIAccessRecord, 0, len(entries))
	for _, e := range entries {
		rec := piiRecord(e)
		records = append(records, rec)
		if e.EventType != domain.EventPIIAccess {
			continue
		}
		report.TotalPIIAccesses++
		if len(rec.SSNFields) > 0 {
			report.SSNAccesses++
		}
		user := e.ActorUserID
		if user == "" {
			user = "unknown"
		}
		report.Users[user]++
	}

	findings, err := s.policy.Evaluate(ctx, records)
	if err != nil {
		return domain.PIIAccessReport{}, fmt.Errorf("evaluate pii policy: %w", err)
	}
	for _, f := range findings {
		fields := s.logger.WithFields(log.Fields{
			"code":      f.Code,
			"entry_id":  f.EntryID,
			"user_id":   f.UserID,
			"tenant_id": f.TenantID,
		})
		if f.Severity.Rank() >= domain.SeverityError.Rank() {
			fields.Error(f.Message)
		} else {
			fields.Warn(f.Message)
		}
		report.Findings = append(report.Findings, f)
	}
	return report, nil
}

func piiRecord(e domain.AuditEntry) domain.PIIAccessRecord {
	piiFields, _ := e.Metadata.Get("pii_fields")
	ssnFields, _ := e.Metadata.Get("ssn_fields")
	return domain.PIIAccessRecord{
		EntryID:     e.ID,
		EventType:   e.EventType,
		ActorUserID: e.ActorUserID,
		TenantID:    e.TenantID,
		Reason:      e.Reason,
		PIIFields:   stringsFromValue(piiFields),
		SSNFields:   stringsFromValue(ssnFields),
		Timestamp:   e.Timestamp,
	}
}

// BasicPIIPolicy flags PII reads without a reason and any unencrypted PII.
type BasicPIIPolicy struct{}

func (BasicPIIPolicy) Evaluate(_ context.Context, records []domain.PIIAccessRecord) ([]domain.ComplianceFinding, error) {
	var out []domain.ComplianceFinding
	for _, r := range records {
		switch {
		case r.EventType == domain.EventPIIUnencryptedDetected:
			out = append(out, domain.ComplianceFinding{
				Code:      domain.FindingUnencryptedPII,
				Severity:  domain.SeverityCritical,
				EntryID:   r.EntryID,
				UserID:    r.ActorUserID,
				TenantID:  r.TenantID,
				Message:   "unencrypted pii detected",
				Timestamp: r.Timestamp,
			})
		case r.EventType == domain.EventPIIAccess && len(r.PIIFields) > 0 && strings.TrimSpace(r.Reason) == "":
			out = append(out, domain.ComplianceFinding{
				Code:      domain.FindingMissingJustification,
				Severity:  domain.SeverityWarning,
				EntryID:   r.EntryID,
				UserID:    r.ActorUserID,
				TenantID:  r.TenantID,
				Fields:    r.PIIFields,
				Message:   "pii accessed without justification",
				Timestamp: r.Timestamp,
			})
		}
	}
	return out, nil
}

package usecase

import (
	"context"
	"fmt"
	"strings"

	"veritas/internal/domain"

	log "github.com/sirupsen/logrus"
)

type FieldChangeRequest struct {
	SubjectID    string
	ResourceType string
	ResourceID   string
	FieldPath    string
	OldValue     domain.Value
	NewValue     domain.Value
	Reason       string
}

func (s *AuditService) LogFieldChange(ctx context.Context, req FieldChangeRequest) (string, error) {
	if req.FieldPath == "" {
		return "", fmt.Errorf("%w: field_path is required", domain.ErrInvalidInput)
	}
	return s.Log(ctx, LogRequest{
		EventType:    domain.EventFieldChange,
		Action:       "update " + req.FieldPath,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		SubjectID:    req.SubjectID,
		Changes:      []domain.ChangeRecord{domain.NewChangeRecord(req.FieldPath, req.OldValue, req.NewValue, req.Reason)},
		OldValue:     req.OldValue,
		NewValue:     req.NewValue,
		Reason:       req.Reason,
	})
}

type IncomeChangeRequest struct {
	SubjectID  string
	ClientID   string
	IncomeType string
	OldAmount  float64
	NewAmount  float64
	Reason     string
}

func (s *AuditService) LogIncomeChange(ctx context.Context, req IncomeChangeRequest) (string, error) {
	if req.IncomeType == "" {
		return "", fmt.Errorf("%w: income_type is required", domain.ErrInvalidInput)
	}
	path := "income." + req.IncomeType
	oldV, newV := domain.Number(req.OldAmount), domain.Number(req.NewAmount)
	return s.Log(ctx, LogRequest{
		EventType:    domain.EventIncomeChange,
		Action:       "update " + path,
		ResourceType: "client",
		ResourceID:   req.ClientID,
		SubjectID:    req.SubjectID,
		Changes:      []domain.ChangeRecord{domain.NewChangeRecord(path, oldV, newV, req.Reason)},
		OldValue:     oldV,
		NewValue:     newV,
		Metadata: domain.Object(map[string]domain.Value{
			"income_type": domain.String(req.IncomeType),
			"delta":       domain.Number(req.NewAmount - req.OldAmount),
		}),
		Reason: req.Reason,
	})
}

type CalculationRequest struct {
	SubjectID       string
	CalculationType string
	ResourceID      string
	Inputs          domain.Value
	Outputs         domain.Value
	SnapshotID      string
}

func (s *AuditService) LogCalculation(ctx context.Context, req CalculationRequest) (string, error) {
	if req.CalculationType == "" {
		return "", fmt.Errorf("%w: calculation_type is required", domain.ErrInvalidInput)
	}
	meta := map[string]domain.Value{
		"calculation_type": domain.String(req.CalculationType),
	}
	if req.SnapshotID != "" {
		meta["snapshot_id"] = domain.String(req.SnapshotID)
	}
	return s.Log(ctx, LogRequest{
		EventType:    domain.EventCalculation,
		Action:       "calculate " + req.CalculationType,
		ResourceType: "calculation",
		ResourceID:   req.ResourceID,
		SubjectID:    req.SubjectID,
		OldValue:     req.Inputs,
		NewValue:     req.Outputs,
		Metadata:     domain.Object(meta),
	})
}

type PIIAccessRequest struct {
	SubjectID    string
	ResourceType string
	ResourceID   string
	PIIFields    []string
	Reason       string
}

// LogPIIAccess records a read of PII fields. SSN access without a reason is
// recorded at warning severity with a compliance finding in its metadata.
func (s *AuditService) LogPIIAccess(ctx context.Context, req PIIAccessRequest) (string, error) {
	if len(req.PIIFields) == 0 {
		return "", fmt.Errorf("%w: pii_fields is required", domain.ErrInvalidInput)
	}
	ssnFields := s.ssnFields(req.PIIFields)
	meta := map[string]domain.Value{
		"pii_fields": stringList(req.PIIFields),
		"ssn_fields": stringList(ssnFields),
	}
	severity := domain.SeverityInfo
	if len(ssnFields) > 0 && strings.TrimSpace(req.Reason) == "" {
		severity = domain.SeverityWarning
		meta["compliance_finding"] = domain.String(domain.FindingMissingJustification)
		s.logger.WithFields(log.Fields{
			"subject_id":  req.SubjectID,
			"resource_id": req.ResourceID,
			"ssn_fields":  ssnFields,
		}).Warn("ssn accessed without justification")
	}
	return s.Log(ctx, LogRequest{
		EventType:    domain.EventPIIAccess,
		Action:       "access " + strings.Join(req.PIIFields, ","),
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		SubjectID:    req.SubjectID,
		Severity:     severity,
		Metadata:     domain.Object(meta),
		Reason:       req.Reason,
	})
}

type PIIViolationRequest struct {
	SubjectID    string
	ResourceType string
	ResourceID   string
	FieldName    string
	Location     string
}

func (s *AuditService) LogPIIViolation(ctx context.Context, req PIIViolationRequest) (string, error) {
	s.logger.WithFields(log.Fields{
		"subject_id":  req.SubjectID,
		"resource_id": req.ResourceID,
		"field":       req.FieldName,
		"location":    req.Location,
	}).Error("unencrypted pii detected")
	return s.Log(ctx, LogRequest{
		EventType:    domain.EventPIIUnencryptedDetected,
		Action:       "detect unencrypted " + req.FieldName,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		SubjectID:    req.SubjectID,
		Metadata: domain.Object(map[string]domain.Value{
			"field":    domain.String(req.FieldName),
			"location": domain.String(req.Location),
		}),
	})
}

type LoginRequest struct {
	SessionID string
	UserID    string
	Success   bool
	Method    string
	Reason    string
}

func (s *AuditService) LogLogin(ctx context.Context, req LoginRequest) (string, error) {
	eventType := domain.EventLoginSuccess
	action := "login"
	if !req.Success {
		eventType = domain.EventLoginFailure
		action = "login failed"
	}
	meta := map[string]domain.Value{}
	if req.Method != "" {
		meta["method"] = domain.String(req.Method)
	}
	return s.Log(ctx, LogRequest{
		EventType:    eventType,
		Action:       action,
		ResourceType: "user",
		ResourceID:   req.UserID,
		SubjectID:    req.SessionID,
		ActorUserID:  req.UserID,
		Metadata:     domain.Object(meta),
		Reason:       req.Reason,
	})
}

type PermissionDeniedRequest struct {
	SubjectID      string
	ResourceType   string
	ResourceID     string
	Action         string
	TargetTenantID string
}

func (s *AuditService) LogPermissionDenied(ctx context.Context, req PermissionDeniedRequest) (string, error) {
	meta := map[string]domain.Value{}
	if req.TargetTenantID != "" {
		meta["target_tenant_id"] = domain.String(req.TargetTenantID)
	}
	return s.Log(ctx, LogRequest{
		EventType:    domain.EventPermissionDenied,
		Action:       "denied " + req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		SubjectID:    req.SubjectID,
		Metadata:     domain.Object(meta),
	})
}

type DataExportRequest struct {
	SubjectID    string
	ResourceType string
	ResourceID   string
	Format       string
	RecordCount  int
}

func (s *AuditService) LogDataExport(ctx context.Context, req DataExportRequest) (string, error) {
	return s.Log(ctx, LogRequest{
		EventType:    domain.EventDataExport,
		Action:       "export " + req.Format,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		SubjectID:    req.SubjectID,
		Metadata: domain.Object(map[string]domain.Value{
			"format":       domain.String(req.Format),
			"record_count": domain.Int(int64(req.RecordCount)),
		}),
	})
}

func (s *AuditService) ssnFields(fields []string) []string {
	var out []string
	for _, f := range fields {
		name := strings.ToLower(f)
		for _, g := range s.ssn {
			if g.Match(name) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

func stringList(items []string) domain.Value {
	vals := make([]domain.Value, len(items))
	for i, s := range items {
		vals[i] = domain.String(s)
	}
	return domain.List(vals...)
}

func stringsFromValue(v domain.Value) []string {
	var out []string
	for _, item := range v.Items() {
		if s, ok := item.Str(); ok {
			out = append(out, s)
		}
	}
	return out
}

package domain

import "time"

const (
	// SystemTenantID labels the subject chain of events that belong to no tenant.
	SystemTenantID    = "__system__"
	AuditEntryVersion = "audit_entry_v1"

	SubjectSession = "session"
	SubjectTenant  = "tenant"
	SubjectUser    = "user"
)

type EventType string

const (
	EventSessionStarted         EventType = "session_started"
	EventSessionEnded           EventType = "session_ended"
	EventLoginSuccess           EventType = "login_success"
	EventLoginFailure           EventType = "login_failure"
	EventLogout                 EventType = "logout"
	EventPermissionDenied       EventType = "permission_denied"
	EventFieldChange            EventType = "field_change"
	EventIncomeChange           EventType = "income_change"
	EventCalculation            EventType = "calculation"
	EventReportCreated          EventType = "report_created"
	EventReportUpdated          EventType = "report_updated"
	EventPIIAccess              EventType = "pii_access"
	EventPIIUnencryptedDetected EventType = "pii_unencrypted_detected"
	EventDataExport             EventType = "data_export"
	EventDocumentUploaded       EventType = "document_uploaded"
	EventCustom                 EventType = "custom"
)

type Category string

const (
	CategoryAuth        Category = "auth"
	CategoryData        Category = "data"
	CategoryCalculation Category = "calculation"
	CategoryReport      Category = "report"
	CategoryPII         Category = "pii"
	CategorySystem      Category = "system"
)

var eventCategories = map[EventType]Category{
	EventSessionStarted:         CategoryAuth,
	EventSessionEnded:           CategoryAuth,
	EventLoginSuccess:           CategoryAuth,
	EventLoginFailure:           CategoryAuth,
	EventLogout:                 CategoryAuth,
	EventPermissionDenied:       CategoryAuth,
	EventFieldChange:            CategoryData,
	EventIncomeChange:           CategoryData,
	EventDocumentUploaded:       CategoryData,
	EventDataExport:             CategoryData,
	EventCalculation:            CategoryCalculation,
	EventReportCreated:          CategoryReport,
	EventReportUpdated:          CategoryReport,
	EventPIIAccess:              CategoryPII,
	EventPIIUnencryptedDetected: CategoryPII,
	EventCustom:                 CategorySystem,
}

func (t EventType) Valid() bool {
	_, ok := eventCategories[t]
	return ok
}

func (t EventType) Category() Category {
	if c, ok := eventCategories[t]; ok {
		return c
	}
	return CategorySystem
}

func EventTypes() []EventType {
	return []EventType{
		EventSessionStarted, EventSessionEnded, EventLoginSuccess, EventLoginFailure,
		EventLogout, EventPermissionDenied, EventFieldChange, EventIncomeChange,
		EventCalculation, EventReportCreated, EventReportUpdated, EventPIIAccess,
		EventPIIUnencryptedDetected, EventDataExport, EventDocumentUploaded, EventCustom,
	}
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

func SeverityForEventType(t EventType) Severity {
	switch t {
	case EventPIIUnencryptedDetected:
		return SeverityCritical
	case EventLoginFailure, EventPermissionDenied:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// ResolveSeverity keeps a requested severity unless it is invalid or lower
// than the one the event type demands.
func ResolveSeverity(t EventType, requested Severity) Severity {
	derived := SeverityForEventType(t)
	if requested.Rank() < derived.Rank() {
		return derived
	}
	return requested
}

// AuditEntry is one immutable event record, chained per (SubjectKind, SubjectID).
type AuditEntry struct {
	ID            string         `json:"id"`
	Seq           int64          `json:"seq"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     EventType      `json:"event_type"`
	Severity      Severity       `json:"severity"`
	SubjectKind   string         `json:"subject_kind"`
	SubjectID     string         `json:"subject_id"`
	TenantID      string         `json:"tenant_id,omitempty"`
	ActorUserID   string         `json:"actor_user_id,omitempty"`
	Action        string         `json:"action"`
	ResourceType  string         `json:"resource_type,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Changes       []ChangeRecord `json:"changes,omitempty"`
	OldValue      Value          `json:"old_value"`
	NewValue      Value          `json:"new_value"`
	Metadata      Value          `json:"metadata"`
	Reason        string         `json:"reason,omitempty"`
	PreviousHash  string         `json:"previous_hash,omitempty"`
	SignatureHash string         `json:"signature_hash"`
}

func (e AuditEntry) Category() Category { return e.EventType.Category() }

// HashInput is the canonical object covered by SignatureHash.
func (e AuditEntry) HashInput() Value {
	metadata := e.Metadata
	if metadata.IsNull() {
		metadata = Object(nil)
	}
	return Object(map[string]Value{
		"v":             String(AuditEntryVersion),
		"entry_id":      String(e.ID),
		"seq":           Int(e.Seq),
		"timestamp":     String(FormatTimestamp(e.Timestamp)),
		"event_type":    String(string(e.EventType)),
		"severity":      String(string(e.Severity)),
		"subject_kind":  String(e.SubjectKind),
		"subject_id":    String(e.SubjectID),
		"tenant_id":     optString(e.TenantID),
		"actor_user_id": optString(e.ActorUserID),
		"action":        String(e.Action),
		"resource_type": optString(e.ResourceType),
		"resource_id":   optString(e.ResourceID),
		"changes":       ChangesValue(e.Changes),
		"old_value":     e.OldValue,
		"new_value":     e.NewValue,
		"metadata":      metadata,
		"reason":        optString(e.Reason),
		"previous_hash": optString(e.PreviousHash),
	})
}

func (e AuditEntry) ComputeSignature(h ContentHasher) string {
	return h.Hash(e.HashInput())
}

func (e AuditEntry) VerifyIntegrity(h ContentHasher) bool {
	return e.SignatureHash != "" && e.ComputeSignature(h) == e.SignatureHash
}

// ContentHasher digests a value deterministically.
type ContentHasher interface {
	Hash(v Value) string
}

// FormatTimestamp is the hashed text form of a timestamp. Precision is
// microseconds so values survive a relational round trip.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}

func optString(s string) Value {
	if s == "" {
		return Null()
	}
	return String(s)
}

package domain

import "time"

type AuditSummary struct {
	ByCategory  map[string]int `json:"by_category"`
	BySeverity  map[string]int `json:"by_severity"`
	ByEventType map[string]int `json:"by_event_type"`
}

type TimelineItem struct {
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor,omitempty"`
}

type SessionAuditReport struct {
	SessionID   string         `json:"session_id"`
	TotalEvents int            `json:"total_events"`
	Summary     AuditSummary   `json:"summary"`
	Timeline    []TimelineItem `json:"timeline"`
	GeneratedAt time.Time      `json:"generated_at"`
}

const (
	FindingMissingJustification = "missing_justification"
	FindingUnencryptedPII       = "unencrypted_pii"
)

// ComplianceFinding flags an audit entry that needs operator attention.
type ComplianceFinding struct {
	Code      string    `json:"code"`
	Severity  Severity  `json:"severity"`
	EntryID   string    `json:"entry_id"`
	UserID    string    `json:"user_id,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Fields    []string  `json:"fields,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type PIIAccessReport struct {
	TotalPIIAccesses int                 `json:"total_pii_accesses"`
	SSNAccesses      int                 `json:"ssn_accesses"`
	Users            map[string]int      `json:"users"`
	Findings         []ComplianceFinding `json:"findings"`
	GeneratedAt      time.Time           `json:"generated_at"`
}

type VersionComparison struct {
	VersionA   string   `json:"version_a"`
	VersionB   string   `json:"version_b"`
	HasChanges bool     `json:"has_changes"`
	Changes    []Change `json:"changes"`
}

// ChainVerification is the outcome of walking a chain. Errors holds every
// inconsistency found, not just the first.
type ChainVerification struct {
	Valid   bool     `json:"valid"`
	Length  int      `json:"length"`
	Errors  []string `json:"errors"`
	Subject string   `json:"subject"`
}

// PIIAccessRecord is the view of a PII audit entry handed to a compliance policy.
type PIIAccessRecord struct {
	EntryID     string    `json:"entry_id"`
	EventType   EventType `json:"event_type"`
	ActorUserID string    `json:"actor_user_id"`
	TenantID    string    `json:"tenant_id"`
	Reason      string    `json:"reason"`
	PIIFields   []string  `json:"pii_fields"`
	SSNFields   []string  `json:"ssn_fields"`
	Timestamp   time.Time `json:"timestamp"`
}

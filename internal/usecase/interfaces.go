package usecase

import (
	"context"
	"time"

	"veritas/internal/domain"
)

type Clock func() time.Time

type IDGenerator func() string

// AuditFilter selects audit entries. Zero fields match everything; a nil
// TenantID matches any tenant.
type AuditFilter struct {
	SubjectKind string
	SubjectID   string
	TenantID    *string
	EventTypes  []domain.EventType
	ActorUserID string
	ResourceID  string
	Since       time.Time
	Until       time.Time
	Limit       int
}

type VersionFilter struct {
	ReportID   string
	TenantID   *string
	ReportType domain.ReportType
	Since      time.Time
	Limit      int
}

// EntrySealer signs an entry once storage has linked it to its chain head.
type EntrySealer func(entry *domain.AuditEntry)

// AuditEntryStorage persists audit entries.
//
// AppendEntry sets Seq and PreviousHash from the current head of the entry's
// subject chain, seals the entry and stores it, all while holding that chain
// against other appends. It returns the stored entry.
//
// SaveEntry is a conditional append: it succeeds only while the chain head
// still has Seq-1 and the entry's PreviousHash as its signature, and returns
// domain.ErrConcurrentVersionConflict otherwise.
type AuditEntryStorage interface {
	AppendEntry(ctx context.Context, entry domain.AuditEntry, seal EntrySealer) (domain.AuditEntry, error)
	SaveEntry(ctx context.Context, entry domain.AuditEntry) error
	GetEntry(ctx context.Context, id string) (domain.AuditEntry, error)
	LatestEntry(ctx context.Context, subjectKind, subjectID string) (*domain.AuditEntry, error)
	QueryEntries(ctx context.Context, filter AuditFilter) ([]domain.AuditEntry, error)
	CountEntries(ctx context.Context, filter AuditFilter) (int, error)
}

// VersionStorage persists report versions.
//
// SaveVersion is a conditional append: version 1 fails with
// domain.ErrAlreadyExists when the chain exists, later versions fail with
// domain.ErrConcurrentVersionConflict unless they extend the current head.
//
// SaveAuditedVersion applies the SaveVersion rules and appends entry the way
// AppendEntry does in the same write: either both are stored or neither is.
type VersionStorage interface {
	SaveVersion(ctx context.Context, version domain.ReportVersion) error
	SaveAuditedVersion(ctx context.Context, version domain.ReportVersion, entry domain.AuditEntry, seal EntrySealer) (domain.AuditEntry, error)
	GetVersion(ctx context.Context, id string) (domain.ReportVersion, error)
	LatestVersion(ctx context.Context, reportID, tenantID string) (*domain.ReportVersion, error)
	QueryVersions(ctx context.Context, filter VersionFilter) ([]domain.ReportVersion, error)
	CountVersions(ctx context.Context, filter VersionFilter) (int, error)
}

type RecordStorage interface {
	AuditEntryStorage
	VersionStorage
	Close() error
}

// AuditSink receives entries after they are durably stored.
type AuditSink interface {
	Publish(ctx context.Context, entry domain.AuditEntry) error
}

// PIIPolicy turns PII access records into compliance findings.
type PIIPolicy interface {
	Evaluate(ctx context.Context, records []domain.PIIAccessRecord) ([]domain.ComplianceFinding, error)
}

type Observer interface {
	EntryAppended(eventType domain.EventType, severity domain.Severity)
	VersionAppended(changeType domain.ChangeType)
	AppendConflict(chain string)
	IntegrityChecked(chain string, valid bool)
}

type noopObserver struct{}

func (noopObserver) EntryAppended(domain.EventType, domain.Severity) {}
func (noopObserver) VersionAppended(domain.ChangeType)                {}
func (noopObserver) AppendConflict(string)                            {}
func (noopObserver) IntegrityChecked(string, bool)                    {}

func StringPtr(s string) *string { return &s }

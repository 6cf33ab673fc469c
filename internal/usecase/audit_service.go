package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"veritas/internal/domain"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultAppendRetries = 3

var DefaultSSNFieldPatterns = []string{"ssn", "*ssn*", "*social_security*"}

type AuditServiceConfig struct {
	Storage          AuditEntryStorage
	Hasher           domain.ContentHasher
	Clock            Clock
	IDs              IDGenerator
	Sinks            []AuditSink
	Observer         Observer
	PIIPolicy        PIIPolicy
	SSNFieldPatterns []string
	AppendRetries    int
	Logger           log.FieldLogger
}

// AuditService is the single writer of every audit subject chain.
type AuditService struct {
	storage  AuditEntryStorage
	hasher   domain.ContentHasher
	clock    Clock
	ids      IDGenerator
	sinks    []AuditSink
	observer Observer
	policy   PIIPolicy
	ssn      []glob.Glob
	retries  int
	logger   log.FieldLogger
}

func NewAuditService(cfg AuditServiceConfig) (*AuditService, error) {
	if cfg.Storage == nil {
		return nil, errors.New("audit storage is required")
	}
	if cfg.Hasher == nil {
		return nil, errors.New("content hasher is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.IDs == nil {
		cfg.IDs = uuid.NewString
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if cfg.PIIPolicy == nil {
		cfg.PIIPolicy = BasicPIIPolicy{}
	}
	if cfg.AppendRetries <= 0 {
		cfg.AppendRetries = defaultAppendRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	patterns := cfg.SSNFieldPatterns
	if len(patterns) == 0 {
		patterns = DefaultSSNFieldPatterns
	}
	matchers := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile ssn field pattern %q: %w", p, err)
		}
		matchers = append(matchers, g)
	}
	return &AuditService{
		storage:  cfg.Storage,
		hasher:   cfg.Hasher,
		clock:    cfg.Clock,
		ids:      cfg.IDs,
		sinks:    cfg.Sinks,
		observer: cfg.Observer,
		policy:   cfg.PIIPolicy,
		ssn:      matchers,
		retries:  cfg.AppendRetries,
		logger:   cfg.Logger,
	}, nil
}

type LogRequest struct {
	EventType    domain.EventType
	Action       string
	ResourceType string
	ResourceID   string
	SubjectKind  string
	SubjectID    string
	ActorUserID  string
	TenantID     string
	Severity     domain.Severity
	Changes      []domain.ChangeRecord
	OldValue     domain.Value
	NewValue     domain.Value
	Metadata     domain.Value
	Reason       string
}

// Log records one event and returns its entry id.
func (s *AuditService) Log(ctx context.Context, req LogRequest) (string, error) {
	entry, err := s.Append(ctx, req)
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// Append records one event on its subject chain and returns the stored entry.
// Actor and tenant default to the request context. An explicit tenant, or a
// tenant subject, must be inside the caller's tenant scope; tenantless
// session and user events are recorded for any caller so denied attempts
// stay recordable.
func (s *AuditService) Append(ctx context.Context, req LogRequest) (domain.AuditEntry, error) {
	entry, err := s.prepare(ctx, req)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	stored, err := s.appendEntry(ctx, entry)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"event_type":   entry.EventType,
			"subject_kind": entry.SubjectKind,
			"subject_id":   entry.SubjectID,
		}).Error("audit entry not recorded")
		return domain.AuditEntry{}, err
	}
	s.recorded(ctx, stored)
	return stored, nil
}

// prepare validates req and builds the unlinked entry for it.
func (s *AuditService) prepare(ctx context.Context, req LogRequest) (domain.AuditEntry, error) {
	if !req.EventType.Valid() {
		return domain.AuditEntry{}, fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidInput, req.EventType)
	}
	if req.SubjectID == "" {
		return domain.AuditEntry{}, fmt.Errorf("%w: subject_id is required", domain.ErrInvalidInput)
	}
	if req.Metadata.Kind() != domain.KindNull && req.Metadata.Kind() != domain.KindObject {
		return domain.AuditEntry{}, fmt.Errorf("%w: metadata must be an object", domain.ErrInvalidInput)
	}
	if req.SubjectKind == "" {
		req.SubjectKind = domain.SubjectSession
	}
	if req.Action == "" {
		req.Action = string(req.EventType)
	}
	if rc, ok := RequestContextFrom(ctx); ok {
		if req.ActorUserID == "" {
			req.ActorUserID = rc.UserID
		}
		if req.TenantID == "" {
			req.TenantID = rc.TenantID
		}
	}
	scope := TenantScopeFrom(ctx)
	if req.TenantID != "" {
		if err := scope.RequireAccess(req.TenantID); err != nil {
			return domain.AuditEntry{}, err
		}
	}
	if req.SubjectKind == domain.SubjectTenant {
		if err := scope.RequireAccess(req.SubjectID); err != nil {
			return domain.AuditEntry{}, err
		}
	}
	metadata := req.Metadata
	if metadata.IsNull() {
		metadata = domain.Object(nil)
	}

	entry := domain.AuditEntry{
		ID:           s.ids(),
		Timestamp:    s.clock().UTC().Truncate(time.Microsecond),
		EventType:    req.EventType,
		Severity:     domain.ResolveSeverity(req.EventType, req.Severity),
		SubjectKind:  req.SubjectKind,
		SubjectID:    req.SubjectID,
		TenantID:     req.TenantID,
		ActorUserID:  req.ActorUserID,
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Changes:      append([]domain.ChangeRecord(nil), req.Changes...),
		OldValue:     req.OldValue,
		NewValue:     req.NewValue,
		Metadata:     metadata,
		Reason:       req.Reason,
	}
	if !entry.HashInput().ValidUTF8() {
		return domain.AuditEntry{}, fmt.Errorf("%w: audit entry text must be valid UTF-8", domain.ErrInvalidInput)
	}
	return entry, nil
}

// seal is the EntrySealer handed to storage.
func (s *AuditService) seal(entry *domain.AuditEntry) {
	entry.SignatureHash = entry.ComputeSignature(s.hasher)
}

// recorded runs the post-commit side effects of a stored entry.
func (s *AuditService) recorded(ctx context.Context, entry domain.AuditEntry) {
	s.observer.EntryAppended(entry.EventType, entry.Severity)
	s.publish(ctx, entry)
}

// appendEntry lets storage link the entry under its chain lock. A conflict
// only surfaces from a backend that detects the race instead of blocking it.
func (s *AuditService) appendEntry(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	for attempt := 0; attempt < s.retries; attempt++ {
		stored, err := s.storage.AppendEntry(ctx, entry, s.seal)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, domain.ErrConcurrentVersionConflict) {
			return domain.AuditEntry{}, storageErr("append entry", err)
		}
		s.observer.AppendConflict("audit")
		s.logger.WithFields(log.Fields{
			"subject_kind": entry.SubjectKind,
			"subject_id":   entry.SubjectID,
			"attempt":      attempt + 1,
		}).Debug("audit append lost race, retrying")
	}
	return domain.AuditEntry{}, fmt.Errorf("%w: audit chain %s/%s busy after %d attempts",
		domain.ErrConcurrentVersionConflict, entry.SubjectKind, entry.SubjectID, s.retries)
}

func (s *AuditService) publish(ctx context.Context, entry domain.AuditEntry) {
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, entry); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"entry_id": entry.ID,
				"sink":     fmt.Sprintf("%T", sink),
			}).Warn("audit sink publish failed")
		}
	}
}

// GetSessionTrail returns a session's entries newest first, omitting entries
// of tenants the caller cannot access.
func (s *AuditService) GetSessionTrail(ctx context.Context, sessionID string) ([]domain.AuditEntry, error) {
	return s.GetSubjectTrail(ctx, domain.SubjectSession, sessionID)
}

func (s *AuditService) GetSubjectTrail(ctx context.Context, subjectKind, subjectID string) ([]domain.AuditEntry, error) {
	entries, err := s.visibleEntries(ctx, subjectKind, subjectID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AuditEntry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out, nil
}

// GetEntry returns one entry if the caller can access its tenant.
func (s *AuditService) GetEntry(ctx context.Context, id string) (domain.AuditEntry, error) {
	entry, err := s.storage.GetEntry(ctx, id)
	if err != nil {
		return domain.AuditEntry{}, storageErr("get entry", err)
	}
	if err := TenantScopeFrom(ctx).RequireAccess(entry.TenantID); err != nil {
		return domain.AuditEntry{}, err
	}
	return entry, nil
}

// QueryEntries runs filter for the caller. A caller that is not a platform
// admin must name a tenant it can access.
func (s *AuditService) QueryEntries(ctx context.Context, filter AuditFilter) ([]domain.AuditEntry, error) {
	scope := TenantScopeFrom(ctx)
	if filter.TenantID == nil && !scope.IsPlatformAdmin {
		if scope.TenantID == "" {
			return nil, scope.RequireAccess("")
		}
		filter.TenantID = StringPtr(scope.TenantID)
	}
	if filter.TenantID != nil {
		if err := scope.RequireAccess(*filter.TenantID); err != nil {
			return nil, err
		}
	}
	entries, err := s.storage.QueryEntries(ctx, filter)
	if err != nil {
		return nil, storageErr("query entries", err)
	}
	return entries, nil
}

// visibleEntries returns a subject chain in ascending order, filtered to the
// caller's scope.
func (s *AuditService) visibleEntries(ctx context.Context, subjectKind, subjectID string) ([]domain.AuditEntry, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject_id is required", domain.ErrInvalidInput)
	}
	entries, err := s.storage.QueryEntries(ctx, AuditFilter{SubjectKind: subjectKind, SubjectID: subjectID})
	if err != nil {
		return nil, storageErr("query entries", err)
	}
	scope := TenantScopeFrom(ctx)
	out := make([]domain.AuditEntry, 0, len(entries))
	for _, e := range entries {
		if scope.ValidateAccess(e.TenantID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *AuditService) now() time.Time {
	return s.clock().UTC()
}

// storageErr passes domain errors through and marks anything else as a
// storage failure.
func storageErr(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrStorageFailure),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrConcurrentVersionConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return domain.StorageError(op, err)
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"veritas/internal/domain"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type ReportVersionStoreConfig struct {
	Storage  VersionStorage
	Audit    *AuditService
	Hasher   domain.ContentHasher
	Clock    Clock
	IDs      IDGenerator
	Observer Observer
	Logger   log.FieldLogger
}

// ReportVersionStore keeps one hash chain of versions per (report, tenant).
type ReportVersionStore struct {
	storage  VersionStorage
	audit    *AuditService
	hasher   domain.ContentHasher
	clock    Clock
	ids      IDGenerator
	observer Observer
	logger   log.FieldLogger
}

func NewReportVersionStore(cfg ReportVersionStoreConfig) (*ReportVersionStore, error) {
	if cfg.Storage == nil {
		return nil, errors.New("version storage is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("audit service is required")
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
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	return &ReportVersionStore{
		storage:  cfg.Storage,
		audit:    cfg.Audit,
		hasher:   cfg.Hasher,
		clock:    cfg.Clock,
		ids:      cfg.IDs,
		observer: cfg.Observer,
		logger:   cfg.Logger,
	}, nil
}

type CreateReportRequest struct {
	ReportID     string
	ReportType   domain.ReportType
	Content      domain.Value
	TenantID     string
	CreatedBy    string
	ChangeReason string
	SnapshotID   string
}

// CreateReport stores version 1 of a report together with its audit entry.
func (s *ReportVersionStore) CreateReport(ctx context.Context, req CreateReportRequest) (domain.ReportVersion, error) {
	if req.ReportID == "" {
		return domain.ReportVersion{}, fmt.Errorf("%w: report_id is required", domain.ErrInvalidInput)
	}
	if !req.ReportType.Valid() {
		return domain.ReportVersion{}, fmt.Errorf("%w: unknown report type %q", domain.ErrInvalidInput, req.ReportType)
	}
	if err := TenantScopeFrom(ctx).RequireAccess(req.TenantID); err != nil {
		return domain.ReportVersion{}, err
	}

	version := domain.ReportVersion{
		ID:            s.ids(),
		ReportID:      req.ReportID,
		TenantID:      req.TenantID,
		VersionNumber: 1,
		ReportType:    req.ReportType,
		Content:       req.Content,
		ChangeType:    domain.ChangeCreated,
		ChangeReason:  req.ChangeReason,
		SnapshotID:    req.SnapshotID,
		CreatedBy:     s.actor(ctx, req.CreatedBy),
		CreatedAt:     s.clock().UTC().Truncate(time.Microsecond),
	}
	if err := validText(version); err != nil {
		return domain.ReportVersion{}, err
	}
	s.seal(&version)

	err := s.commit(ctx, domain.EventReportCreated, version, creationChanges(version.Content, req.ChangeReason))
	if errors.Is(err, domain.ErrAlreadyExists) {
		return domain.ReportVersion{}, fmt.Errorf("report %s: %w", req.ReportID, err)
	}
	if err != nil {
		return domain.ReportVersion{}, err
	}
	return version, nil
}

type UpdateReportRequest struct {
	ReportID     string
	TenantID     string
	Content      domain.Value
	ChangeType   domain.ChangeType
	ChangeReason string
	SnapshotID   string
	CreatedBy    string
	// ExpectedVersion, when positive, must equal the current head version number.
	ExpectedVersion int64
}

// UpdateReport appends a version after the current head. A lost append race
// is returned as domain.ErrConcurrentVersionConflict and is not retried.
func (s *ReportVersionStore) UpdateReport(ctx context.Context, req UpdateReportRequest) (domain.ReportVersion, error) {
	if req.ReportID == "" {
		return domain.ReportVersion{}, fmt.Errorf("%w: report_id is required", domain.ErrInvalidInput)
	}
	if req.ChangeType == "" {
		req.ChangeType = domain.ChangeUpdated
	}
	if !req.ChangeType.Valid() || req.ChangeType == domain.ChangeCreated {
		return domain.ReportVersion{}, fmt.Errorf("%w: change type %q not allowed on update", domain.ErrInvalidInput, req.ChangeType)
	}
	if err := TenantScopeFrom(ctx).RequireAccess(req.TenantID); err != nil {
		return domain.ReportVersion{}, err
	}

	head, err := s.storage.LatestVersion(ctx, req.ReportID, req.TenantID)
	if err != nil {
		return domain.ReportVersion{}, storageErr("latest version", err)
	}
	if head == nil {
		return domain.ReportVersion{}, fmt.Errorf("%w: report %s", domain.ErrNotFound, req.ReportID)
	}
	if req.ExpectedVersion > 0 && head.VersionNumber != req.ExpectedVersion {
		return domain.ReportVersion{}, fmt.Errorf("%w: report %s is at version %d, expected %d",
			domain.ErrConcurrentVersionConflict, req.ReportID, head.VersionNumber, req.ExpectedVersion)
	}
	if !head.VerifyIntegrity(s.hasher) {
		s.observer.IntegrityChecked("report", false)
		return domain.ReportVersion{}, &domain.IntegrityError{
			Subject: fmt.Sprintf("report %s", req.ReportID),
			Errors:  []string{fmt.Sprintf("version %d: stored hashes do not match its record", head.VersionNumber)},
		}
	}
	finalized, err := s.isFinalized(ctx, *head)
	if err != nil {
		return domain.ReportVersion{}, err
	}
	if finalized && req.ChangeType != domain.ChangeCorrected {
		return domain.ReportVersion{}, fmt.Errorf("%w: report %s is finalized, only corrections are accepted",
			domain.ErrInvalidInput, req.ReportID)
	}

	version := domain.ReportVersion{
		ID:                s.ids(),
		ReportID:          req.ReportID,
		TenantID:          req.TenantID,
		VersionNumber:     head.VersionNumber + 1,
		ReportType:        head.ReportType,
		Content:           req.Content,
		ChangeType:        req.ChangeType,
		ChangeReason:      req.ChangeReason,
		SnapshotID:        req.SnapshotID,
		PreviousVersionID: head.ID,
		PreviousHash:      head.ContentHash,
		CreatedBy:         s.actor(ctx, req.CreatedBy),
		CreatedAt:         s.clock().UTC().Truncate(time.Microsecond),
	}
	if err := validText(version); err != nil {
		return domain.ReportVersion{}, err
	}
	s.seal(&version)

	changes := domain.ChangeRecords(domain.Diff(head.Content, version.Content), req.ChangeReason)
	err = s.commit(ctx, domain.EventReportUpdated, version, changes)
	if errors.Is(err, domain.ErrConcurrentVersionConflict) || errors.Is(err, domain.ErrAlreadyExists) {
		s.observer.AppendConflict("report")
		return domain.ReportVersion{}, fmt.Errorf("%w: report %s version %d",
			domain.ErrConcurrentVersionConflict, req.ReportID, version.VersionNumber)
	}
	if err != nil {
		return domain.ReportVersion{}, err
	}
	return version, nil
}

// GetLatestVersion returns the chain head or domain.ErrNotFound.
func (s *ReportVersionStore) GetLatestVersion(ctx context.Context, reportID, tenantID string) (domain.ReportVersion, error) {
	if err := TenantScopeFrom(ctx).RequireAccess(tenantID); err != nil {
		return domain.ReportVersion{}, err
	}
	head, err := s.storage.LatestVersion(ctx, reportID, tenantID)
	if err != nil {
		return domain.ReportVersion{}, storageErr("latest version", err)
	}
	if head == nil {
		return domain.ReportVersion{}, fmt.Errorf("%w: report %s", domain.ErrNotFound, reportID)
	}
	return *head, nil
}

// GetVersionHistory returns the chain ascending by version number.
func (s *ReportVersionStore) GetVersionHistory(ctx context.Context, reportID, tenantID string) ([]domain.ReportVersion, error) {
	if err := TenantScopeFrom(ctx).RequireAccess(tenantID); err != nil {
		return nil, err
	}
	return s.history(ctx, reportID, tenantID)
}

func (s *ReportVersionStore) GetVersion(ctx context.Context, versionID string) (domain.ReportVersion, error) {
	v, err := s.storage.GetVersion(ctx, versionID)
	if err != nil {
		return domain.ReportVersion{}, storageErr("get version", err)
	}
	if err := TenantScopeFrom(ctx).RequireAccess(v.TenantID); err != nil {
		return domain.ReportVersion{}, err
	}
	return v, nil
}

// VerifyChainIntegrity walks the chain from version 1 and collects every
// inconsistency found.
func (s *ReportVersionStore) VerifyChainIntegrity(ctx context.Context, reportID, tenantID string) (domain.ChainVerification, error) {
	if err := TenantScopeFrom(ctx).RequireAccess(tenantID); err != nil {
		return domain.ChainVerification{}, err
	}
	versions, err := s.history(ctx, reportID, tenantID)
	if err != nil {
		return domain.ChainVerification{}, err
	}
	if len(versions) == 0 {
		return domain.ChainVerification{}, fmt.Errorf("%w: report %s", domain.ErrNotFound, reportID)
	}
	result := VerifyVersionChain(s.hasher, versions)
	result.Subject = reportID
	s.observer.IntegrityChecked("report", result.Valid)
	if !result.Valid {
		s.logger.WithFields(log.Fields{
			"report_id": reportID,
			"tenant_id": tenantID,
			"errors":    len(result.Errors),
		}).Error("report chain integrity violation")
	}
	return result, nil
}

// VerifyVersionChain checks versions given in chain order.
func VerifyVersionChain(h domain.ContentHasher, versions []domain.ReportVersion) domain.ChainVerification {
	result := domain.ChainVerification{Length: len(versions), Errors: []string{}}
	addErr := func(v domain.ReportVersion, format string, args ...any) {
		result.Errors = append(result.Errors, fmt.Sprintf("version %d: ", v.VersionNumber)+fmt.Sprintf(format, args...))
	}
	for i, v := range versions {
		if want := int64(i + 1); v.VersionNumber != want {
			addErr(v, "version_number mismatch: expected %d", want)
		}
		if computed := h.Hash(v.Content); computed != v.ContentHash {
			addErr(v, "content_hash mismatch: stored %s computed %s", v.ContentHash, computed)
		}
		if !v.RecordIntact(h) {
			addErr(v, "record_hash mismatch")
		}
		if i == 0 {
			if v.PreviousVersionID != "" || v.PreviousHash != "" {
				addErr(v, "first version must not link to a predecessor")
			}
			continue
		}
		prev := versions[i-1]
		if v.Key() != prev.Key() {
			addErr(v, "belongs to a different chain")
		}
		if v.PreviousVersionID != prev.ID {
			addErr(v, "previous_version_id mismatch: expected %s got %s", prev.ID, v.PreviousVersionID)
		}
		if v.PreviousHash != prev.ContentHash {
			addErr(v, "previous_hash mismatch: expected %s got %s", prev.ContentHash, v.PreviousHash)
		}
		if fresh := h.Hash(prev.Content); v.PreviousHash != fresh {
			addErr(v, "previous_hash does not match content of version %d", prev.VersionNumber)
		}
	}
	result.Valid = len(result.Errors) == 0
	return result
}

// CompareVersions diffs the content of two versions. Both must be visible to
// the caller; they need not belong to the same report.
func (s *ReportVersionStore) CompareVersions(ctx context.Context, versionA, versionB string) (domain.VersionComparison, error) {
	a, err := s.GetVersion(ctx, versionA)
	if err != nil {
		return domain.VersionComparison{}, err
	}
	b, err := s.GetVersion(ctx, versionB)
	if err != nil {
		return domain.VersionComparison{}, err
	}
	changes := domain.Diff(a.Content, b.Content)
	return domain.VersionComparison{
		VersionA:   a.ID,
		VersionB:   b.ID,
		HasChanges: len(changes) > 0,
		Changes:    changes,
	}, nil
}

func (s *ReportVersionStore) history(ctx context.Context, reportID, tenantID string) ([]domain.ReportVersion, error) {
	if reportID == "" {
		return nil, fmt.Errorf("%w: report_id is required", domain.ErrInvalidInput)
	}
	versions, err := s.storage.QueryVersions(ctx, VersionFilter{ReportID: reportID, TenantID: StringPtr(tenantID)})
	if err != nil {
		return nil, storageErr("query versions", err)
	}
	sort.SliceStable(versions, func(i, j int) bool { return versions[i].VersionNumber < versions[j].VersionNumber })
	return versions, nil
}

func (s *ReportVersionStore) isFinalized(ctx context.Context, head domain.ReportVersion) (bool, error) {
	switch head.ChangeType {
	case domain.ChangeFinalized:
		return true, nil
	case domain.ChangeCorrected:
		versions, err := s.history(ctx, head.ReportID, head.TenantID)
		if err != nil {
			return false, err
		}
		for _, v := range versions {
			if v.ChangeType == domain.ChangeFinalized {
				return true, nil
			}
		}
	}
	return false, nil
}

func validText(v domain.ReportVersion) error {
	if !v.Content.ValidUTF8() || !v.HashInput().ValidUTF8() {
		return fmt.Errorf("%w: report %s text must be valid UTF-8", domain.ErrInvalidInput, v.ReportID)
	}
	return nil
}

func (s *ReportVersionStore) seal(v *domain.ReportVersion) {
	v.ContentHash = s.hasher.Hash(v.Content)
	v.RecordHash = v.ComputeRecordHash(s.hasher)
}

func (s *ReportVersionStore) actor(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if rc, ok := RequestContextFrom(ctx); ok {
		return rc.UserID
	}
	return ""
}

// commit stores v and its audit entry in one storage write, then runs the
// post-commit side effects of both.
func (s *ReportVersionStore) commit(ctx context.Context, eventType domain.EventType, v domain.ReportVersion, changes []domain.ChangeRecord) error {
	entry, err := s.audit.prepare(ctx, auditRequest(eventType, v, changes))
	if err != nil {
		return err
	}
	stored, err := s.storage.SaveAuditedVersion(ctx, v, entry, s.audit.seal)
	if err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) && !errors.Is(err, domain.ErrConcurrentVersionConflict) {
			s.logger.WithError(err).WithFields(log.Fields{
				"report_id":  v.ReportID,
				"version_id": v.ID,
			}).Error("report version not recorded")
		}
		return storageErr("save version", err)
	}
	s.observer.VersionAppended(v.ChangeType)
	s.audit.recorded(ctx, stored)
	return nil
}

func auditRequest(eventType domain.EventType, v domain.ReportVersion, changes []domain.ChangeRecord) LogRequest {
	subjectID := v.TenantID
	if subjectID == "" {
		subjectID = domain.SystemTenantID
	}
	summary := domain.Object(map[string]domain.Value{
		"version_id":     domain.String(v.ID),
		"version_number": domain.Int(v.VersionNumber),
		"content_hash":   domain.String(v.ContentHash),
	})
	req := LogRequest{
		EventType:    eventType,
		Action:       fmt.Sprintf("%s report %s", v.ChangeType, v.ReportID),
		ResourceType: "report",
		ResourceID:   v.ReportID,
		SubjectKind:  domain.SubjectTenant,
		SubjectID:    subjectID,
		ActorUserID:  v.CreatedBy,
		TenantID:     v.TenantID,
		Changes:      changes,
		NewValue:     summary,
		Metadata: domain.Object(map[string]domain.Value{
			"report_type": domain.String(string(v.ReportType)),
			"change_type": domain.String(string(v.ChangeType)),
		}),
		Reason: v.ChangeReason,
	}
	if v.PreviousVersionID != "" {
		req.OldValue = domain.Object(map[string]domain.Value{
			"version_id":     domain.String(v.PreviousVersionID),
			"version_number": domain.Int(v.VersionNumber - 1),
			"content_hash":   domain.String(v.PreviousHash),
		})
	}
	return req
}

func creationChanges(content domain.Value, reason string) []domain.ChangeRecord {
	flat := domain.Flatten(content)
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]domain.ChangeRecord, len(paths))
	for i, p := range paths {
		out[i] = domain.NewChangeRecord(p, domain.Null(), flat[p], reason)
	}
	return out
}

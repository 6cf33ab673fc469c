package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"veritas/internal/domain"
	"veritas/internal/usecase"
)

type createReportRequest struct {
	ReportID     string            `json:"report_id"`
	ReportType   domain.ReportType `json:"report_type"`
	Content      domain.Value      `json:"content"`
	TenantID     string            `json:"tenant_id"`
	CreatedBy    string            `json:"created_by"`
	ChangeReason string            `json:"change_reason"`
	SnapshotID   string            `json:"snapshot_id"`
}

type updateReportRequest struct {
	Content         domain.Value      `json:"content"`
	TenantID        string            `json:"tenant_id"`
	ChangeType      domain.ChangeType `json:"change_type"`
	ChangeReason    string            `json:"change_reason"`
	SnapshotID      string            `json:"snapshot_id"`
	CreatedBy       string            `json:"created_by"`
	ExpectedVersion int64             `json:"expected_version"`
}

type logEventRequest struct {
	EventType    domain.EventType      `json:"event_type"`
	Action       string                `json:"action"`
	ResourceType string                `json:"resource_type"`
	ResourceID   string                `json:"resource_id"`
	SubjectKind  string                `json:"subject_kind"`
	SubjectID    string                `json:"subject_id"`
	ActorUserID  string                `json:"actor_user_id"`
	TenantID     string                `json:"tenant_id"`
	Severity     domain.Severity       `json:"severity"`
	Changes      []domain.ChangeRecord `json:"changes"`
	OldValue     domain.Value          `json:"old_value"`
	NewValue     domain.Value          `json:"new_value"`
	Metadata     domain.Value          `json:"metadata"`
	Reason       string                `json:"reason"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Count: len(items)}
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	writeError(c, err)
}

func (s *Server) bind(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid json: "+err.Error())
		return false
	}
	return true
}

// tenantParam resolves the tenant a report route addresses: the query
// parameter, then the caller's own tenant.
func tenantParam(c *gin.Context, fallback string) string {
	if t, ok := c.GetQuery("tenant_id"); ok {
		return t
	}
	if fallback != "" {
		return fallback
	}
	rc, _ := usecase.RequestContextFrom(c.Request.Context())
	return rc.TenantID
}

func (s *Server) handleCreateReport(c *gin.Context) {
	var req createReportRequest
	if !s.bind(c, &req) {
		return
	}
	v, err := s.reports.CreateReport(c.Request.Context(), usecase.CreateReportRequest{
		ReportID:     req.ReportID,
		ReportType:   req.ReportType,
		Content:      req.Content,
		TenantID:     tenantParam(c, req.TenantID),
		CreatedBy:    req.CreatedBy,
		ChangeReason: req.ChangeReason,
		SnapshotID:   req.SnapshotID,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (s *Server) handleUpdateReport(c *gin.Context) {
	var req updateReportRequest
	if !s.bind(c, &req) {
		return
	}
	v, err := s.reports.UpdateReport(c.Request.Context(), usecase.UpdateReportRequest{
		ReportID:        c.Param("id"),
		TenantID:        tenantParam(c, req.TenantID),
		Content:         req.Content,
		ChangeType:      req.ChangeType,
		ChangeReason:    req.ChangeReason,
		SnapshotID:      req.SnapshotID,
		CreatedBy:       req.CreatedBy,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleLatestVersion(c *gin.Context) {
	v, err := s.reports.GetLatestVersion(c.Request.Context(), c.Param("id"), tenantParam(c, ""))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleVersionHistory(c *gin.Context) {
	history, err := s.reports.GetVersionHistory(c.Request.Context(), c.Param("id"), tenantParam(c, ""))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newList(history))
}

func (s *Server) handleVerifyReport(c *gin.Context) {
	res, err := s.reports.VerifyChainIntegrity(c.Request.Context(), c.Param("id"), tenantParam(c, ""))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleGetVersion(c *gin.Context) {
	v, err := s.reports.GetVersion(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleCompareVersions(c *gin.Context) {
	a, b := c.Query("a"), c.Query("b")
	if a == "" || b == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "query parameters a and b are required")
		return
	}
	cmp, err := s.reports.CompareVersions(c.Request.Context(), a, b)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}

func (s *Server) handleLogEvent(c *gin.Context) {
	var req logEventRequest
	if !s.bind(c, &req) {
		return
	}
	entry, err := s.audit.Append(c.Request.Context(), usecase.LogRequest{
		EventType:    req.EventType,
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		SubjectKind:  req.SubjectKind,
		SubjectID:    req.SubjectID,
		ActorUserID:  req.ActorUserID,
		TenantID:     req.TenantID,
		Severity:     req.Severity,
		Changes:      req.Changes,
		OldValue:     req.OldValue,
		NewValue:     req.NewValue,
		Metadata:     req.Metadata,
		Reason:       req.Reason,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) handleQueryEvents(c *gin.Context) {
	filter, err := auditFilterFromQuery(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	entries, err := s.audit.QueryEntries(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newList(entries))
}

func (s *Server) handleGetEvent(c *gin.Context) {
	entry, err := s.audit.GetEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleSessionTrail(c *gin.Context) {
	trail, err := s.audit.GetSessionTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newList(trail))
}

func (s *Server) handleSessionReport(c *gin.Context) {
	report, err := s.audit.GetSessionAuditReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleVerifySubject(c *gin.Context) {
	res, err := s.audit.VerifySubjectChain(c.Request.Context(), c.Param("kind"), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handlePIIReport(c *gin.Context) {
	days := 0
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "days must be a non-negative integer")
			return
		}
		days = n
	}
	report, err := s.audit.GetPIIAccessReport(c.Request.Context(), usecase.PIIReportRequest{
		UserID:   c.Query("user_id"),
		TenantID: c.Query("tenant_id"),
		Days:     days,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func auditFilterFromQuery(c *gin.Context) (usecase.AuditFilter, error) {
	f := usecase.AuditFilter{
		SubjectKind: c.Query("subject_kind"),
		SubjectID:   c.Query("subject_id"),
		ActorUserID: c.Query("actor_user_id"),
		ResourceID:  c.Query("resource_id"),
	}
	if t, ok := c.GetQuery("tenant_id"); ok {
		f.TenantID = usecase.StringPtr(t)
	}
	for _, t := range c.QueryArray("event_type") {
		et := domain.EventType(t)
		if !et.Valid() {
			return f, invalidQuery("unknown event_type " + t)
		}
		f.EventTypes = append(f.EventTypes, et)
	}
	var err error
	if f.Since, err = parseTime(c.Query("since")); err != nil {
		return f, invalidQuery("since must be RFC 3339")
	}
	if f.Until, err = parseTime(c.Query("until")); err != nil {
		return f, invalidQuery("until must be RFC 3339")
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, invalidQuery("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func invalidQuery(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidInput, msg)
}

package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas/internal/app"
	"veritas/internal/config"
	"veritas/internal/domain"
	"veritas/internal/infra/db"
	"veritas/internal/usecase"
)

type fixture struct {
	dsn      string
	v1, v2   domain.ReportVersion
	entryIDs []string
}

func seed(t *testing.T) fixture {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	dsn := filepath.Join(t.TempDir(), "veritas.db")
	storage, err := app.OpenStorage(config.Storage{Driver: config.StorageSQLite, URL: dsn, Migrate: true}, logger)
	require.NoError(t, err)
	defer storage.Close()

	svc, err := app.NewServices(app.ServicesConfig{Records: storage.Records, Logger: logger})
	require.NoError(t, err)

	ctx := usecase.WithTenantScope(context.Background(), domain.NewTenantScope("acme"))
	ctx = usecase.WithRequestContext(ctx, usecase.RequestContext{UserID: "preparer", TenantID: "acme"})

	f := fixture{dsn: dsn}
	for _, req := range []usecase.LogRequest{
		{EventType: domain.EventLoginSuccess, SubjectID: "s-1"},
		{EventType: domain.EventPIIAccess, SubjectID: "s-1", ResourceType: "client", ResourceID: "c-1",
			Metadata: domain.MustFromAny(map[string]any{"pii_fields": []string{"ssn"}, "ssn_fields": []string{"ssn"}})},
		{EventType: domain.EventLogout, SubjectID: "s-1"},
	} {
		id, err := svc.Audit.Log(ctx, req)
		require.NoError(t, err)
		f.entryIDs = append(f.entryIDs, id)
	}

	f.v1, err = svc.Reports.CreateReport(ctx, usecase.CreateReportRequest{
		ReportID:   "r-1",
		ReportType: domain.ReportTaxReturn,
		TenantID:   "acme",
		Content:    domain.MustFromAny(map[string]any{"income": map[string]any{"wages": 50000}}),
	})
	require.NoError(t, err)
	f.v2, err = svc.Reports.UpdateReport(ctx, usecase.UpdateReportRequest{
		ReportID:     "r-1",
		TenantID:     "acme",
		Content:      domain.MustFromAny(map[string]any{"income": map[string]any{"wages": 52000}}),
		ChangeReason: "corrected w2",
	})
	require.NoError(t, err)
	return f
}

func execute(t *testing.T, f fixture, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--storage-driver", "sqlite", "--database-url", f.dsn}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAuditCommands(t *testing.T) {
	f := seed(t)

	out, err := execute(t, f, "audit", "verify", "session", "s-1")
	require.NoError(t, err)
	assert.Contains(t, out, "session/s-1: chain VALID (3 records verified)")

	out, err = execute(t, f, "audit", "trail", "s-1", "-n", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "logout")

	out, err = execute(t, f, "audit", "report", "s-1")
	require.NoError(t, err)
	var report domain.SessionAuditReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 3, report.TotalEvents)

	out, err = execute(t, f, "audit", "pii-report", "--tenant-id", "acme")
	require.NoError(t, err)
	var pii domain.PIIAccessReport
	require.NoError(t, json.Unmarshal([]byte(out), &pii))
	assert.Equal(t, 1, pii.SSNAccesses)
	require.Len(t, pii.Findings, 1)
	assert.Equal(t, domain.FindingMissingJustification, pii.Findings[0].Code)

	_, err = execute(t, f, "audit", "report", "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditExport(t *testing.T) {
	f := seed(t)

	out, err := execute(t, f, "audit", "export", "--tenant-id", "acme", "--format", "csv", "--event-type", "login_success,logout")
	require.NoError(t, err)
	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, f.entryIDs[0], rows[1][0])
	assert.Equal(t, f.entryIDs[2], rows[2][0])

	path := filepath.Join(t.TempDir(), "acme.jsonl")
	_, err = execute(t, f, "audit", "export", "--subject-kind", "tenant", "--subject-id", "acme", "--since", "1h", "-o", path)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(raw)), "\n"), 2)

	_, err = execute(t, f, "audit", "export", "--since", "last tuesday")
	assert.Error(t, err)
	_, err = execute(t, f, "audit", "export", "--event-type", "nope")
	assert.Error(t, err)
}

func TestReportCommands(t *testing.T) {
	f := seed(t)

	out, err := execute(t, f, "report", "history", "r-1", "--tenant-id", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "v1 ")
	assert.Contains(t, out, `reason="corrected w2"`)

	out, err = execute(t, f, "report", "verify", "r-1", "--tenant-id", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "chain VALID (2 records verified)")

	out, err = execute(t, f, "report", "diff", f.v1.ID, f.v2.ID)
	require.NoError(t, err)
	assert.Contains(t, out, `"income.wages"`)

	out, err = execute(t, f, "report", "show", f.v2.ID)
	require.NoError(t, err)
	assert.Contains(t, out, f.v2.ContentHash)

	_, err = execute(t, f, "--as-tenant", "other", "report", "show", f.v2.ID)
	assert.ErrorIs(t, err, domain.ErrTenantAccessDenied)
}

func TestReportVerifyDetectsTampering(t *testing.T) {
	f := seed(t)
	store, err := db.Open(db.Options{Driver: db.DriverSQLite, DSN: f.dsn})
	require.NoError(t, err)
	require.NoError(t, store.DB.Model(&db.ReportVersionModel{}).
		Where("id = ?", f.v1.ID).
		Update("content_json", `{"income":{"wages":1}}`).Error)
	require.NoError(t, store.Close())

	out, err := execute(t, f, "report", "verify", "r-1", "--tenant-id", "acme")
	assert.ErrorIs(t, err, errIntegrity)
	assert.Contains(t, out, "chain BROKEN")
	assert.Contains(t, out, "content_hash mismatch")
}

func TestRejectsMemoryStorage(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"audit", "verify", "session", "s-1"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "durable store")
}

package policyopa

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"veritas/internal/domain"
	"veritas/internal/usecase"
)

const findingsQuery = "data.veritas.pii.findings"

//go:embed policy/pii.rego
var defaultPolicy string

// Engine evaluates PII access records against a rego module.
type Engine struct {
	query rego.PreparedEvalQuery
}

var _ usecase.PIIPolicy = (*Engine)(nil)

// New compiles the policy at path, or the built-in policy when path is empty.
func New(ctx context.Context, path string) (*Engine, error) {
	name, src := "pii.rego", defaultPolicy
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy: %w", err)
		}
		name, src = path, string(raw)
	}
	return compile(ctx, name, src)
}

func compile(ctx context.Context, name, src string) (*Engine, error) {
	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.Builtins = filterBuiltins(capabilities.Builtins)
	compiler := ast.NewCompiler().WithCapabilities(capabilities)

	prepared, err := rego.New(
		rego.Query(findingsQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
		rego.Module(name, src),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy %s: %w", name, err)
	}
	if err := assertNoForbiddenBuiltins(compiler); err != nil {
		return nil, err
	}
	return &Engine{query: prepared}, nil
}

type policyFinding struct {
	EntryID  string   `json:"entry_id"`
	Code     string   `json:"code"`
	Severity string   `json:"severity"`
	Fields   []string `json:"fields"`
	Message  string   `json:"message"`
}

func (e *Engine) Evaluate(ctx context.Context, records []domain.PIIAccessRecord) ([]domain.ComplianceFinding, error) {
	if e == nil {
		return nil, errors.New("policy engine is nil")
	}
	byID := make(map[string]domain.PIIAccessRecord, len(records))
	input := make([]map[string]any, 0, len(records))
	for _, r := range records {
		byID[r.EntryID] = r
		input = append(input, map[string]any{
			"entry_id":      r.EntryID,
			"event_type":    string(r.EventType),
			"actor_user_id": r.ActorUserID,
			"tenant_id":     r.TenantID,
			"reason":        r.Reason,
			"pii_fields":    nonNil(r.PIIFields),
			"ssn_fields":    nonNil(r.SSNFields),
			"timestamp":     domain.FormatTimestamp(r.Timestamp),
		})
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]any{"records": input}))
	if err != nil {
		return nil, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, err
	}
	var decoded []policyFinding
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode policy findings: %w", err)
	}

	out := make([]domain.ComplianceFinding, 0, len(decoded))
	for _, f := range decoded {
		severity := domain.Severity(f.Severity)
		if !severity.Valid() {
			return nil, fmt.Errorf("policy finding %s: unknown severity %q", f.Code, f.Severity)
		}
		rec := byID[f.EntryID]
		out = append(out, domain.ComplianceFinding{
			Code:      f.Code,
			Severity:  severity,
			EntryID:   f.EntryID,
			UserID:    rec.ActorUserID,
			TenantID:  rec.TenantID,
			Fields:    f.Fields,
			Message:   f.Message,
			Timestamp: rec.Timestamp,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		if out[i].EntryID != out[j].EntryID {
			return out[i].EntryID < out[j].EntryID
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func assertNoForbiddenBuiltins(compiler *ast.Compiler) error {
	forbidden := make(map[string]struct{})
	for _, module := range compiler.Modules {
		ast.WalkTerms(module, func(term *ast.Term) bool {
			call, ok := term.Value.(ast.Call)
			if !ok || len(call) == 0 || call[0] == nil {
				return false
			}
			name := call[0].Value.String()
			if _, ok := ast.BuiltinMap[name]; !ok {
				return false
			}
			if _, ok := allowedBuiltins[name]; !ok {
				forbidden[name] = struct{}{}
			}
			return false
		})
	}
	if len(forbidden) == 0 {
		return nil
	}
	names := make([]string, 0, len(forbidden))
	for name := range forbidden {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("forbidden builtins: %s", strings.Join(names, ", "))
}

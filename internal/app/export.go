package app

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"veritas/internal/domain"
)

const (
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

var csvHeader = []string{
	"id", "seq", "timestamp", "event_type", "severity", "subject_kind", "subject_id",
	"tenant_id", "actor_user_id", "action", "resource_type", "resource_id", "reason",
	"previous_hash", "signature_hash",
}

// ExportEntries writes entries as json, jsonl (the default) or csv. The csv
// form carries the chain columns only; changes and metadata need json.
func ExportEntries(w io.Writer, entries []domain.AuditEntry, format string) error {
	switch format {
	case FormatJSON:
		if entries == nil {
			entries = []domain.AuditEntry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				e.ID,
				strconv.FormatInt(e.Seq, 10),
				domain.FormatTimestamp(e.Timestamp),
				string(e.EventType),
				string(e.Severity),
				e.SubjectKind,
				e.SubjectID,
				e.TenantID,
				e.ActorUserID,
				e.Action,
				e.ResourceType,
				e.ResourceID,
				e.Reason,
				e.PreviousHash,
				e.SignatureHash,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	case FormatJSONL, "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported export format %q (use json, jsonl or csv)", format)
	}
}

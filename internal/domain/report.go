package domain

import "time"

const ReportVersionSchema = "report_version_v1"

type ReportType string

const (
	ReportTaxReturn         ReportType = "tax_return"
	ReportTaxEstimate       ReportType = "tax_estimate"
	ReportAdvisory          ReportType = "advisory"
	ReportEngagementSummary ReportType = "engagement_summary"
	ReportCustom            ReportType = "custom"
)

func (t ReportType) Valid() bool {
	switch t {
	case ReportTaxReturn, ReportTaxEstimate, ReportAdvisory, ReportEngagementSummary, ReportCustom:
		return true
	}
	return false
}

type ChangeType string

const (
	ChangeCreated      ChangeType = "created"
	ChangeUpdated      ChangeType = "updated"
	ChangeRecalculated ChangeType = "recalculated"
	ChangeCorrected    ChangeType = "corrected"
	ChangeFinalized    ChangeType = "finalized"
)

func (t ChangeType) Valid() bool {
	switch t {
	case ChangeCreated, ChangeUpdated, ChangeRecalculated, ChangeCorrected, ChangeFinalized:
		return true
	}
	return false
}

// ReportVersion is one immutable snapshot in the chain of (ReportID, TenantID).
type ReportVersion struct {
	ID                string     `json:"id"`
	ReportID          string     `json:"report_id"`
	TenantID          string     `json:"tenant_id,omitempty"`
	VersionNumber     int64      `json:"version_number"`
	ReportType        ReportType `json:"report_type"`
	Content           Value      `json:"content"`
	ChangeType        ChangeType `json:"change_type"`
	ChangeReason      string     `json:"change_reason,omitempty"`
	SnapshotID        string     `json:"snapshot_id,omitempty"`
	PreviousVersionID string     `json:"previous_version_id,omitempty"`
	PreviousHash      string     `json:"previous_hash,omitempty"`
	ContentHash       string     `json:"content_hash"`
	RecordHash        string     `json:"record_hash"`
	CreatedBy         string     `json:"created_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// HashInput covers every field except Content, which ContentHash stands for,
// and RecordHash itself.
func (v ReportVersion) HashInput() Value {
	return Object(map[string]Value{
		"v":                   String(ReportVersionSchema),
		"version_id":          String(v.ID),
		"report_id":           String(v.ReportID),
		"tenant_id":           optString(v.TenantID),
		"version_number":      Int(v.VersionNumber),
		"report_type":         String(string(v.ReportType)),
		"change_type":         String(string(v.ChangeType)),
		"change_reason":       optString(v.ChangeReason),
		"snapshot_id":         optString(v.SnapshotID),
		"previous_version_id": optString(v.PreviousVersionID),
		"previous_hash":       optString(v.PreviousHash),
		"content_hash":        String(v.ContentHash),
		"created_by":          optString(v.CreatedBy),
		"created_at":          String(FormatTimestamp(v.CreatedAt)),
	})
}

func (v ReportVersion) ComputeRecordHash(h ContentHasher) string {
	return h.Hash(v.HashInput())
}

func (v ReportVersion) ContentIntact(h ContentHasher) bool {
	return v.ContentHash != "" && h.Hash(v.Content) == v.ContentHash
}

func (v ReportVersion) RecordIntact(h ContentHasher) bool {
	return v.RecordHash != "" && v.ComputeRecordHash(h) == v.RecordHash
}

func (v ReportVersion) VerifyIntegrity(h ContentHasher) bool {
	return v.ContentIntact(h) && v.RecordIntact(h)
}

// ChainKey identifies a version chain.
type ChainKey struct {
	ReportID string
	TenantID string
}

func (v ReportVersion) Key() ChainKey {
	return ChainKey{ReportID: v.ReportID, TenantID: v.TenantID}
}

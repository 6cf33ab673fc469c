package db

import "time"

// Pos orders rows by insertion across both dialects; chain order comes from
// the unique (subject, seq) and (report, tenant, version_number) indexes.

type AuditEntryModel struct {
	Pos           int64     `gorm:"primaryKey;autoIncrement"`
	ID            string    `gorm:"size:64;uniqueIndex;not null"`
	SubjectKind   string    `gorm:"size:64;not null;uniqueIndex:idx_audit_entries_subject_seq,priority:1"`
	SubjectID     string    `gorm:"size:255;not null;uniqueIndex:idx_audit_entries_subject_seq,priority:2"`
	Seq           int64     `gorm:"not null;uniqueIndex:idx_audit_entries_subject_seq,priority:3"`
	Timestamp     time.Time `gorm:"not null;index"`
	EventType     string    `gorm:"size:64;not null;index"`
	Severity      string    `gorm:"size:16;not null"`
	TenantID      string    `gorm:"size:255;not null;default:'';index"`
	ActorUserID   string    `gorm:"size:255;not null;default:''"`
	Action        string    `gorm:"size:255;not null"`
	ResourceType  string    `gorm:"size:255;not null;default:''"`
	ResourceID    string    `gorm:"size:255;not null;default:''"`
	ChangesJSON   string    `gorm:"type:text;not null"`
	OldValueJSON  string    `gorm:"type:text;not null"`
	NewValueJSON  string    `gorm:"type:text;not null"`
	MetadataJSON  string    `gorm:"type:text;not null"`
	Reason        string    `gorm:"type:text;not null;default:''"`
	PreviousHash  string    `gorm:"size:64;not null;default:''"`
	SignatureHash string    `gorm:"size:64;not null"`
}

func (AuditEntryModel) TableName() string { return "audit_entries" }

type ReportVersionModel struct {
	Pos               int64     `gorm:"primaryKey;autoIncrement"`
	ID                string    `gorm:"size:64;uniqueIndex;not null"`
	ReportID          string    `gorm:"size:255;not null;uniqueIndex:idx_report_versions_chain,priority:1"`
	TenantID          string    `gorm:"size:255;not null;default:'';uniqueIndex:idx_report_versions_chain,priority:2"`
	VersionNumber     int64     `gorm:"not null;uniqueIndex:idx_report_versions_chain,priority:3"`
	ReportType        string    `gorm:"size:64;not null;index"`
	ContentJSON       string    `gorm:"type:text;not null"`
	ChangeType        string    `gorm:"size:32;not null"`
	ChangeReason      string    `gorm:"type:text;not null;default:''"`
	SnapshotID        string    `gorm:"size:255;not null;default:''"`
	PreviousVersionID string    `gorm:"size:64;not null;default:''"`
	PreviousHash      string    `gorm:"size:64;not null;default:''"`
	ContentHash       string    `gorm:"size:64;not null"`
	RecordHash        string    `gorm:"size:64;not null"`
	CreatedBy         string    `gorm:"size:255;not null;default:''"`
	CreatedAt         time.Time `gorm:"not null;index"`
}

func (ReportVersionModel) TableName() string { return "report_versions" }

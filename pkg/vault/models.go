package vault

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RecordTypeAppointment = "appointment"
	RecordTypeFollowup    = "followup"
	RecordTypeSummary     = "summary"
)

func ValidRecordType(t string) bool {
	switch t {
	case RecordTypeAppointment, RecordTypeFollowup, RecordTypeSummary:
		return true
	}
	return false
}

// Audit operations written by the vault.
const (
	OpPseudonymizeNew      = "pseudonymize_new"
	OpPseudonymizeExisting = "pseudonymize_existing"
	OpResolveExisting      = "resolve_existing"
	OpLookupByName         = "lookup_by_name"
	OpSearchByName         = "search_by_name"
	OpReidentify           = "reidentify"
	OpReidentifyMiss       = "reidentify_not_found"
	OpStoreRecord          = "store_record"
	OpRetrieveRecords      = "retrieve_records"
)

// Identity is the real person behind a pseudonymous id. It never leaves the
// trusted boundary.
type Identity struct {
	PseudonymousID string    `json:"pseudonymous_id"`
	FullName       string    `json:"full_name"`
	Age            *int      `json:"age,omitempty"`
	Gender         *string   `json:"gender,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
}

type Record struct {
	RecordID       string                 `json:"record_id"`
	PseudonymousID string                 `json:"pseudonymous_id"`
	RecordType     string                 `json:"record_type"`
	Symptoms       string                 `json:"symptoms,omitempty"`
	Diagnosis      string                 `json:"diagnosis,omitempty"`
	TreatmentPlan  string                 `json:"treatment_plan,omitempty"`
	Notes          string                 `json:"notes,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// NewRecord holds the fields an execution step supplies for a record.
type NewRecord struct {
	RecordType    string
	Symptoms      string
	Diagnosis     string
	TreatmentPlan string
	Notes         string
	Metadata      map[string]interface{}
}

type AuditEntry struct {
	LogID          string    `json:"log_id"`
	PseudonymousID string    `json:"pseudonymous_id"`
	Operation      string    `json:"operation"`
	Component      string    `json:"component"`
	PIIAccessed    bool      `json:"pii_accessed"`
	CloudExposed   bool      `json:"cloud_exposed"`
	Timestamp      time.Time `json:"timestamp"`
	Details        string    `json:"details,omitempty"`
}

type ComplianceReport struct {
	TotalPatients     int64     `json:"total_patients"`
	TotalOperations   int64     `json:"total_operations"`
	CloudExposedCount int64     `json:"cloud_exposed_count"`
	Compliant         bool      `json:"compliant"`
	GeneratedAt       time.Time `json:"generated_at"`
}

type identityModel struct {
	PseudonymousID string    `gorm:"primaryKey;column:pseudonymous_id;size:36"`
	FullName       string    `gorm:"column:full_name;not null"`
	NormalizedName string    `gorm:"column:normalized_name;index;not null"`
	Age            *int      `gorm:"column:age"`
	Gender         *string   `gorm:"column:gender"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	LastAccessedAt time.Time `gorm:"column:last_accessed_at"`
	AccessCount    int64     `gorm:"column:access_count"`
}

func (identityModel) TableName() string { return "patient_identities" }

type recordModel struct {
	RecordID       string            `gorm:"primaryKey;column:record_id;size:36"`
	PseudonymousID string            `gorm:"column:pseudonymous_id;size:36;index;not null"`
	RecordType     string            `gorm:"column:record_type;index;not null"`
	Symptoms       string            `gorm:"column:symptoms"`
	Diagnosis      string            `gorm:"column:diagnosis"`
	TreatmentPlan  string            `gorm:"column:treatment_plan"`
	Notes          string            `gorm:"column:notes"`
	Metadata       datatypes.JSONMap `gorm:"column:metadata"`
	CreatedAt      time.Time         `gorm:"column:created_at;index"`
}

func (recordModel) TableName() string { return "medical_records" }

type auditModel struct {
	LogID          string    `gorm:"primaryKey;column:log_id;size:36"`
	PseudonymousID string    `gorm:"column:pseudonymous_id;size:36;index"`
	Operation      string    `gorm:"column:operation;index;not null"`
	Component      string    `gorm:"column:component;not null"`
	PIIAccessed    bool      `gorm:"column:pii_accessed"`
	CloudExposed   bool      `gorm:"column:cloud_exposed;index"`
	Timestamp      time.Time `gorm:"column:timestamp;index"`
	Details        string    `gorm:"column:details"`
}

func (auditModel) TableName() string { return "audit_logs" }

func mapIdentity(m identityModel) Identity {
	return Identity{
		PseudonymousID: m.PseudonymousID,
		FullName:       m.FullName,
		Age:            m.Age,
		Gender:         m.Gender,
		CreatedAt:      m.CreatedAt,
		LastAccessedAt: m.LastAccessedAt,
		AccessCount:    m.AccessCount,
	}
}

func mapRecord(m recordModel) Record {
	return Record{
		RecordID:       m.RecordID,
		PseudonymousID: m.PseudonymousID,
		RecordType:     m.RecordType,
		Symptoms:       m.Symptoms,
		Diagnosis:      m.Diagnosis,
		TreatmentPlan:  m.TreatmentPlan,
		Notes:          m.Notes,
		Metadata:       map[string]interface{}(m.Metadata),
		CreatedAt:      m.CreatedAt,
	}
}

func mapAudit(m auditModel) AuditEntry {
	return AuditEntry{
		LogID:          m.LogID,
		PseudonymousID: m.PseudonymousID,
		Operation:      m.Operation,
		Component:      m.Component,
		PIIAccessed:    m.PIIAccessed,
		CloudExposed:   m.CloudExposed,
		Timestamp:      m.Timestamp,
		Details:        m.Details,
	}
}

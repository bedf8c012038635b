package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StoreRecord attaches a medical record to an existing pseudonymous id.
func (v *Vault) StoreRecord(ctx context.Context, pseudonymousID string, rec NewRecord, actor string) (string, error) {
	if pseudonymousID == "" {
		return "", ErrInvalidPseudonymID
	}
	if !ValidRecordType(rec.RecordType) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecordType, rec.RecordType)
	}
	actor = actorOrDefault(actor)

	var recordID string
	err := v.inTx(ctx, func(tx *gorm.DB, audit auditFunc) error {
		var count int64
		if err := tx.Model(&identityModel{}).Where("pseudonymous_id = ?", pseudonymousID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrPatientNotFound
		}

		m := recordModel{
			RecordID:       uuid.New().String(),
			PseudonymousID: pseudonymousID,
			RecordType:     rec.RecordType,
			Symptoms:       rec.Symptoms,
			Diagnosis:      rec.Diagnosis,
			TreatmentPlan:  rec.TreatmentPlan,
			Notes:          rec.Notes,
			CreatedAt:      v.clock.Now(),
		}
		if len(rec.Metadata) > 0 {
			m.Metadata = datatypes.JSONMap(rec.Metadata)
		}
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		recordID = m.RecordID
		return audit(pseudonymousID, OpStoreRecord, actor, true, "stored "+rec.RecordType+" record")
	})
	if err != nil {
		return "", err
	}
	return recordID, nil
}

// GetRecords returns the records for a pseudonymous id, newest first,
// optionally filtered by record type. An unknown id yields an empty list and
// is still audited.
func (v *Vault) GetRecords(ctx context.Context, pseudonymousID, recordType, actor string) ([]Record, error) {
	if pseudonymousID == "" {
		return nil, ErrInvalidPseudonymID
	}
	if recordType != "" && !ValidRecordType(recordType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecordType, recordType)
	}
	actor = actorOrDefault(actor)

	var rows []recordModel
	err := v.inTx(ctx, func(tx *gorm.DB, audit auditFunc) error {
		q := tx.Where("pseudonymous_id = ?", pseudonymousID)
		if recordType != "" {
			q = q.Where("record_type = ?", recordType)
		}
		err := q.Order("created_at DESC").
			Order("record_id DESC").
			Find(&rows).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return audit(pseudonymousID, OpRetrieveRecords, actor, true, fmt.Sprintf("retrieved %d records", len(rows)))
	})
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, mapRecord(r))
	}
	return out, nil
}

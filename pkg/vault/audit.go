package vault

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// auditFunc writes one audit row inside the running transaction.
type auditFunc func(pseudonymousID, operation, component string, piiAccessed bool, details string) error

// inTx runs fn in a transaction whose audit rows commit or roll back with the
// data. Log lines and metrics are emitted only after a successful commit.
func (v *Vault) inTx(ctx context.Context, fn func(tx *gorm.DB, audit auditFunc) error) error {
	var written []auditModel
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		written = written[:0]
		audit := func(pseudonymousID, operation, component string, piiAccessed bool, details string) error {
			entry := auditModel{
				LogID:          uuid.New().String(),
				PseudonymousID: pseudonymousID,
				Operation:      operation,
				Component:      component,
				PIIAccessed:    piiAccessed,
				CloudExposed:   false,
				Timestamp:      v.clock.Now(),
				Details:        details,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return fmt.Errorf("write audit entry: %w", err)
			}
			written = append(written, entry)
			return nil
		}
		return fn(tx, audit)
	})
	if err != nil {
		return err
	}

	for _, entry := range written {
		logger.WithFields(logrus.Fields{
			"operation":       entry.Operation,
			"component":       entry.Component,
			"pseudonymous_id": logger.ShortID(entry.PseudonymousID),
			"pii_accessed":    entry.PIIAccessed,
		}).Info("Vault operation audited")
		v.metrics.IncVaultOperation(entry.Operation, entry.Component)
	}
	return nil
}

// AuditTrail lists audit entries, newest first. An empty pseudonymousID
// returns entries for every patient.
func (v *Vault) AuditTrail(ctx context.Context, pseudonymousID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := v.db.WithContext(ctx).Model(&auditModel{})
	if pseudonymousID != "" {
		q = q.Where("pseudonymous_id = ?", pseudonymousID)
	}

	var rows []auditModel
	newest := clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}, Desc: true}
	if err := q.Order(newest).Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, mapAudit(r))
	}
	return out, nil
}

// ComplianceReport summarises the vault. The deployment is compliant only
// while no audit entry is flagged cloud_exposed.
func (v *Vault) ComplianceReport(ctx context.Context) (ComplianceReport, error) {
	db := v.db.WithContext(ctx)

	var report ComplianceReport
	if err := db.Model(&identityModel{}).Count(&report.TotalPatients).Error; err != nil {
		return ComplianceReport{}, err
	}
	if err := db.Model(&auditModel{}).Count(&report.TotalOperations).Error; err != nil {
		return ComplianceReport{}, err
	}
	if err := db.Model(&auditModel{}).Where("cloud_exposed = ?", true).Count(&report.CloudExposedCount).Error; err != nil {
		return ComplianceReport{}, err
	}
	report.Compliant = report.CloudExposedCount == 0
	report.GeneratedAt = v.clock.Now()

	v.metrics.ObserveCompliance(report.TotalPatients, report.CloudExposedCount)
	if !report.Compliant {
		logger.Log.WithField("cloud_exposed", report.CloudExposedCount).Error("Compliance violation: audit entries flagged as cloud exposed")
	}
	return report, nil
}

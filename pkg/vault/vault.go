// Package vault is the identity vault: the only component that maps real
// identities to pseudonymous ids and back. Every read and write is audited in
// the same transaction as the data it touches.
package vault

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/medshield/pkg/common/keylock"
	"github.com/synaptica-ai/medshield/pkg/common/logger"
	"github.com/synaptica-ai/medshield/pkg/observability/metrics"
	"gorm.io/gorm"
)

var (
	ErrPatientNotFound    = errors.New("patient not found")
	ErrAmbiguousIdentity  = errors.New("several patients share this name")
	ErrInvalidName        = errors.New("patient name is required")
	ErrInvalidRecordType  = errors.New("unsupported record type")
	ErrInvalidPseudonymID = errors.New("pseudonymous id is required")
)

const defaultActor = "unknown"

type Vault struct {
	db      *gorm.DB
	locks   *keylock.Map
	clock   *clock
	metrics *metrics.Metrics
}

type Option func(*Vault)

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Vault) { v.metrics = m }
}

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.clock.source = now }
}

func New(db *gorm.DB, opts ...Option) *Vault {
	v := &Vault{
		db:    db,
		locks: keylock.New(),
		clock: &clock{source: time.Now},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Vault) AutoMigrate() error {
	return v.db.AutoMigrate(&identityModel{}, &recordModel{}, &auditModel{})
}

// NormalizeName is the matching key for a full name: trimmed, inner
// whitespace collapsed, lowercased.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Pseudonymize returns the pseudonymous id for a person, creating one on
// first contact. Concurrent calls for the same normalized name are
// serialized so they cannot both insert.
func (v *Vault) Pseudonymize(ctx context.Context, fullName string, age *int, gender *string, actor string) (string, bool, error) {
	normalized := NormalizeName(fullName)
	if normalized == "" {
		return "", false, ErrInvalidName
	}
	actor = actorOrDefault(actor)
	gender = cleanGender(gender)

	unlock := v.locks.Lock(normalized)
	defer unlock()

	var id string
	var isNew bool
	err := v.inTx(ctx, func(tx *gorm.DB, audit auditFunc) error {
		if err := advisoryLock(tx, normalized); err != nil {
			return err
		}

		var matches []identityModel
		if err := tx.Where("normalized_name = ?", normalized).Order("last_accessed_at DESC").Find(&matches).Error; err != nil {
			return err
		}

		if len(matches) == 0 {
			created, err := v.insertIdentity(tx, fullName, normalized, age, gender)
			if err != nil {
				return err
			}
			id, isNew = created.PseudonymousID, true
			return audit(id, OpPseudonymizeNew, actor, true, "created pseudonymous identity")
		}

		match := selectMatch(matches, age, gender)
		if match == nil {
			return ErrAmbiguousIdentity
		}
		if _, err := v.touch(tx, *match, age, gender); err != nil {
			return err
		}
		id = match.PseudonymousID
		return audit(id, OpPseudonymizeExisting, actor, true, "reused existing pseudonymous identity")
	})
	if err != nil {
		return "", false, err
	}
	return id, isNew, nil
}

// CreateIdentity always inserts a new identity, even when the name is
// already known. It backs the explicit new-patient confirmation.
func (v *Vault) CreateIdentity(ctx context.Context, fullName string, age *int, gender *string, actor string) (Identity, error) {
	normalized := NormalizeName(fullName)
	if normalized == "" {
		return Identity{}, ErrInvalidName
	}
	actor = actorOrDefault(actor)
	gender = cleanGender(gender)

	unlock := v.locks.Lock(normalized)
	defer unlock()

	var created identityModel
	err := v.inTx(ctx, func(tx *gorm.DB, audit auditFunc) error {
		if err := advisoryLock(tx, normalized); err != nil {
			return err
		}
		var err error
		created, err = v.insertIdentity(tx, fullName, normalized, age, gender)
		if err != nil {
			return err
		}
		return audit(created.PseudonymousID, OpPseudonymizeNew, actor, true, "created pseudonymous identity after explicit confirmation")
	})
	if err != nil {
		return Identity{}, err
	}
	return mapIdentity(created), nil
}

// FindByName returns every identity whose normalized name equals the given
// one, most recently accessed first.
func (v *Vault) FindByName(ctx context.Context, fullName, actor string) ([]Identity, error) {
	normalized := NormalizeName(fullName)
	if normalized == "" {
		return nil, ErrInvalidName
	}
	return v.lookup(ctx, OpLookupByName, actorOrDefault(actor), func(tx *gorm.DB) *gorm.DB {
		return tx.Where("normalized_name = ?", normalized)
	})
}

// SearchByName does a case-insensitive partial match on names.
func (v *Vault) SearchByName(ctx context.Context, fragment, actor string) ([]Identity, error) {
	normalized := NormalizeName(fragment)
	if normalized == "" {
		return nil, ErrInvalidName
	}
	pattern := "%" + escapeLike(normalized) + "%"
	return v.lookup(ctx, OpSearchByName, actorOrDefault(actor), func(tx *gorm.DB) *gorm.DB {
		return tx.Where("normalized_name LIKE ? ESCAPE '\\'", pattern).Limit(25)
	})
}

func (v *Vault) lookup(ctx context.Context, operation, actor string, scope func(*gorm.DB) *gorm.DB) ([]Identity, error) {
	var found []identityModel
	err := v.inTx(ctx, func(tx *gorm.DB, audit auditFunc) error {
		if err := scope(tx).Order("last_accessed_at DESC").Find(&found).Error; err != nil {
			return err
		}
		if len(found) == 0 {
			return audit("", operation, actor, true, "no matching identity")
		}
		for i, m := range found {
			if err := audit(m.PseudonymousID, operation, actor, true, fmt.Sprintf("candidate %d of %d", i+1, len(found))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Identity, 0, len(found))
	for _, m := range found {
		out = append(out, mapIdentity(m))
	}
	return out, nil
}

// Touch records a resolution hit: access metadata is bumped and age/gender
// refreshed when newly supplied.
func (v *Vault) Touch(ctx context.Context, pseudonymousID string, age *int, gender *string, actor string) (Identity, error) {
	if pseudonymousID == "" {
		return Identity{}, ErrInvalidPseudonymID
	}
	actor = actorOrDefault(actor)
	gender = cleanGender(gender)

	var updated identityModel
	err := v.inTx(ctx, func(tx *gorm.DB, audit auditFunc) error {
		var current identityModel
		err := tx.Where("pseudonymous_id = ?", pseudonymousID).First(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPatientNotFound
		}
		if err != nil {
			return err
		}
		updated, err = v.touch(tx, current, age, gender)
		if err != nil {
			return err
		}
		return audit(pseudonymousID, OpResolveExisting, actor, true, "identity resolved to a single match")
	})
	if err != nil {
		return Identity{}, err
	}
	return mapIdentity(updated), nil
}

// Reidentify maps a pseudonymous id back to the real identity. Unknown ids
// are reported through found=false, not as an error.
func (v *Vault) Reidentify(ctx context.Context, pseudonymousID, actor string) (Identity, bool, error) {
	if pseudonymousID == "" {
		return Identity{}, false, nil
	}
	actor = actorOrDefault(actor)

	var updated identityModel
	found := false
	err := v.inTx(ctx, func(tx *gorm.DB, audit auditFunc) error {
		var current identityModel
		err := tx.Where("pseudonymous_id = ?", pseudonymousID).First(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return audit(pseudonymousID, OpReidentifyMiss, actor, false, "unknown pseudonymous id")
		}
		if err != nil {
			return err
		}
		updated, err = v.touch(tx, current, nil, nil)
		if err != nil {
			return err
		}
		found = true
		return audit(pseudonymousID, OpReidentify, actor, true, "identity re-attached for local output")
	})
	if err != nil {
		return Identity{}, false, err
	}
	if !found {
		logger.Log.WithField("pseudonymous_id", logger.ShortID(pseudonymousID)).Warn("Pseudonymous id not found during re-identification")
		return Identity{}, false, nil
	}
	return mapIdentity(updated), true, nil
}

func (v *Vault) insertIdentity(tx *gorm.DB, fullName, normalized string, age *int, gender *string) (identityModel, error) {
	now := v.clock.Now()
	m := identityModel{
		PseudonymousID: uuid.New().String(),
		FullName:       fullName,
		NormalizedName: normalized,
		Age:            age,
		Gender:         gender,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    1,
	}
	if err := tx.Create(&m).Error; err != nil {
		return identityModel{}, err
	}
	return m, nil
}

func (v *Vault) touch(tx *gorm.DB, m identityModel, age *int, gender *string) (identityModel, error) {
	now := v.clock.Now()
	updates := map[string]interface{}{
		"last_accessed_at": now,
		"access_count":     gorm.Expr("access_count + ?", 1),
	}
	if age != nil && (m.Age == nil || *m.Age != *age) {
		updates["age"] = *age
		m.Age = age
	}
	if gender != nil && (m.Gender == nil || !strings.EqualFold(*m.Gender, *gender)) {
		updates["gender"] = *gender
		m.Gender = gender
	}
	if err := tx.Model(&identityModel{}).Where("pseudonymous_id = ?", m.PseudonymousID).Updates(updates).Error; err != nil {
		return identityModel{}, err
	}
	m.LastAccessedAt = now
	m.AccessCount++
	return m, nil
}

// selectMatch picks the identity to reuse among same-name matches. With
// several matches only an exact age and gender match is accepted.
func selectMatch(matches []identityModel, age *int, gender *string) *identityModel {
	if len(matches) == 1 {
		return &matches[0]
	}
	if age == nil || gender == nil {
		return nil
	}
	var hit *identityModel
	for i := range matches {
		m := &matches[i]
		if m.Age == nil || m.Gender == nil {
			continue
		}
		if *m.Age == *age && strings.EqualFold(*m.Gender, *gender) {
			if hit != nil {
				return nil
			}
			hit = m
		}
	}
	return hit
}

// advisoryLock takes a transaction-scoped postgres advisory lock on the
// normalized name so that separate processes serialize too.
func advisoryLock(tx *gorm.DB, normalized string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	h := fnv.New64a()
	h.Write([]byte("medshield:identity:" + normalized))
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", int64(h.Sum64())).Error
}

func cleanGender(gender *string) *string {
	if gender == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*gender)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func actorOrDefault(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return defaultActor
	}
	return actor
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// clock hands out strictly increasing UTC timestamps at microsecond
// precision so that recency ordering is stable across databases.
type clock struct {
	mu     sync.Mutex
	last   time.Time
	source func() time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.source().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

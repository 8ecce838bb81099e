package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/store"
)

// SettingsStore implements store.SettingsStore. Settings are one JSONB
// document per tenant; persona run times live in their own table so the
// generation cycle never rewrites the operator's document.
type SettingsStore struct {
	db store.DBTX
}

var _ store.SettingsStore = (*SettingsStore)(nil)

// NewSettingsStore creates a SettingsStore.
func NewSettingsStore(db store.DBTX) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get returns the tenant's settings with persona run times applied.
func (s *SettingsStore) Get(ctx context.Context, tenantID uuid.UUID) (domain.AutonomySettings, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT settings FROM autonomy_settings WHERE tenant_id = $1`, tenantID).Scan(&doc)
	if err != nil {
		return domain.AutonomySettings{}, mapNotFound(err, store.ErrSettingsNotFound)
	}
	settings, err := decodeSettings(doc)
	if err != nil {
		return domain.AutonomySettings{}, err
	}
	runs, err := s.personaRuns(ctx, &tenantID)
	if err != nil {
		return domain.AutonomySettings{}, err
	}
	applyRuns(&settings, runs[tenantID])
	return settings, nil
}

// Save upserts the tenant's settings.
func (s *SettingsStore) Save(ctx context.Context, settings domain.AutonomySettings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO autonomy_settings (tenant_id, active, settings, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE
		SET active = EXCLUDED.active, settings = EXCLUDED.settings, updated_at = EXCLUDED.updated_at`,
		settings.TenantID, settings.Active, string(doc), settings.UpdatedAt.UTC(),
	)
	return MapError(err)
}

// ListTenants returns every tenant's settings ordered by tenant id.
func (s *SettingsStore) ListTenants(ctx context.Context) ([]domain.AutonomySettings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT settings FROM autonomy_settings ORDER BY tenant_id`)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.AutonomySettings
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, MapError(err)
		}
		settings, err := decodeSettings(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, settings)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	runs, err := s.personaRuns(ctx, nil)
	if err != nil {
		return nil, err
	}
	for i := range out {
		applyRuns(&out[i], runs[out[i].TenantID])
	}
	return out, nil
}

// RecordPersonaRun stamps the persona's last run.
func (s *SettingsStore) RecordPersonaRun(ctx context.Context, tenantID uuid.UUID, role string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO persona_runs (tenant_id, role, last_run_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, role) DO UPDATE SET last_run_at = EXCLUDED.last_run_at`,
		tenantID, strings.ToLower(role), at.UTC(),
	)
	if IsForeignKeyViolation(err) {
		return store.ErrSettingsNotFound
	}
	return MapError(err)
}

// personaRuns loads run times keyed by tenant and lower-cased role. A nil
// tenant loads every tenant.
func (s *SettingsStore) personaRuns(ctx context.Context, tenantID *uuid.UUID) (map[uuid.UUID]map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, role, last_run_at FROM persona_runs
		WHERE $1::uuid IS NULL OR tenant_id = $1`, tenantID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	out := map[uuid.UUID]map[string]time.Time{}
	for rows.Next() {
		var (
			id   uuid.UUID
			role string
			at   time.Time
		)
		if err := rows.Scan(&id, &role, &at); err != nil {
			return nil, MapError(err)
		}
		if out[id] == nil {
			out[id] = map[string]time.Time{}
		}
		out[id][role] = at.UTC()
	}
	return out, MapError(rows.Err())
}

func decodeSettings(doc []byte) (domain.AutonomySettings, error) {
	var settings domain.AutonomySettings
	if err := json.Unmarshal(doc, &settings); err != nil {
		return domain.AutonomySettings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	return settings, nil
}

func applyRuns(s *domain.AutonomySettings, runs map[string]time.Time) {
	for i := range s.Personas {
		if at, ok := runs[strings.ToLower(s.Personas[i].Role)]; ok {
			t := at
			s.Personas[i].LastRunAt = &t
		}
	}
}

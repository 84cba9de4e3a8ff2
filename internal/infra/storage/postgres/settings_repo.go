package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vietddude/recoverd/internal/core/domain"
)

// SettingsRepo implements storage.SettingsRepository using PostgreSQL.
type SettingsRepo struct {
	db *DB
}

// NewSettingsRepo creates a new PostgreSQL settings repository.
func NewSettingsRepo(db *DB) *SettingsRepo {
	return &SettingsRepo{db: db}
}

// GetReclassifySettings returns the stored settings, or defaults if none exist.
func (r *SettingsRepo) GetReclassifySettings(ctx context.Context) (*domain.ReclassifyErrorSettings, error) {
	var doc []byte
	err := r.db.GetContext(ctx, &doc, `SELECT document FROM settings WHERE id = $1`, domain.ReclassifyErrorSettingsID)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.ReclassifyErrorSettings{ID: domain.ReclassifyErrorSettingsID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	var s domain.ReclassifyErrorSettings
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	s.ID = domain.ReclassifyErrorSettingsID
	return &s, nil
}

// SaveReclassifySettings stores the settings.
func (r *SettingsRepo) SaveReclassifySettings(ctx context.Context, s *domain.ReclassifyErrorSettings) error {
	c := *s
	c.ID = domain.ReclassifyErrorSettingsID
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	query := `
		INSERT INTO settings (id, document) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document
	`
	if _, err := r.db.ExecContext(ctx, query, c.ID, doc); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

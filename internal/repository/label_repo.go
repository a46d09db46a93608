package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailtriage/internal/model"
)

type LabelRepository struct {
	db *pgxpool.Pool
}

func NewLabelRepository(db *pgxpool.Pool) *LabelRepository {
	return &LabelRepository{db: db}
}

// GetMapping returns the stored remote label id for an account+category,
// or "" when no mapping exists yet.
func (r *LabelRepository) GetMapping(ctx context.Context, accountID int, category model.Category) (string, error) {
	query := `
        SELECT remote_label_id
        FROM label_mappings
        WHERE account_id = $1 AND category = $2
    `
	var labelID string
	err := r.db.QueryRow(ctx, query, accountID, string(category)).Scan(&labelID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return labelID, nil
}

// SaveMapping persists a resolved label id. Mappings live for the account's
// lifetime and are only removed by an explicit reset.
func (r *LabelRepository) SaveMapping(ctx context.Context, accountID int, category model.Category, remoteLabelID string) error {
	query := `
        INSERT INTO label_mappings (account_id, category, remote_label_id, created_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (account_id, category) DO UPDATE SET remote_label_id = EXCLUDED.remote_label_id
    `
	_, err := r.db.Exec(ctx, query, accountID, string(category), remoteLabelID)
	return err
}

// DeleteForAccount drops all mappings for an account (account reset).
func (r *LabelRepository) DeleteForAccount(ctx context.Context, accountID int) error {
	_, err := r.db.Exec(ctx, `DELETE FROM label_mappings WHERE account_id = $1`, accountID)
	return err
}

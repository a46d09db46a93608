package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"mailtriage/internal/model"
)

type AccountRepository struct {
	db *pgxpool.Pool
}

func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `
    id, user_id, email, tier, access_token_enc, refresh_token_enc,
    token_expiry, last_synced_at, created_at
`

func scanAccount(row interface{ Scan(dest ...any) error }) (*model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Email,
		&a.Tier,
		&a.AccessTokenEnc,
		&a.RefreshTokenEnc,
		&a.TokenExpiry,
		&a.LastSyncedAt,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id int) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, id))
}

// GetByUserID returns the user's connected mail account.
func (r *AccountRepository) GetByUserID(ctx context.Context, userID int) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, userID))
}

// ListEntitled returns accounts on a paid tier, for the recurring
// incremental-run scheduler.
func (r *AccountRepository) ListEntitled(ctx context.Context) ([]*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE tier IN ('pro', 'team') ORDER BY id`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// SaveTokens persists freshly encrypted OAuth tokens and their expiry.
func (r *AccountRepository) SaveTokens(ctx context.Context, accountID int, accessTokenEnc, refreshTokenEnc string, expiry time.Time) error {
	query := `
        UPDATE accounts
        SET access_token_enc = $1, refresh_token_enc = $2, token_expiry = $3
        WHERE id = $4
    `
	_, err := r.db.Exec(ctx, query, accessTokenEnc, refreshTokenEnc, expiry, accountID)
	return err
}

// UpdateLastSynced stamps the account after a successful run.
func (r *AccountRepository) UpdateLastSynced(ctx context.Context, accountID int, t time.Time) error {
	query := `UPDATE accounts SET last_synced_at = $1 WHERE id = $2`
	_, err := r.db.Exec(ctx, query, t, accountID)
	return err
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailtriage/internal/model"
)

// ErrAlreadyIngested is returned when an email with the same remote id has
// already been persisted for the account. Callers treat this as a skip, not
// a failure, so re-runs stay idempotent.
var ErrAlreadyIngested = errors.New("email already ingested")

type EmailRepository struct {
	db *pgxpool.Pool
}

func NewEmailRepository(db *pgxpool.Pool) *EmailRepository {
	return &EmailRepository{db: db}
}

// ExistingRemoteIDs returns which of the given remote ids are already stored
// for the account. Used by the dedup filter before classification.
func (r *EmailRepository) ExistingRemoteIDs(ctx context.Context, accountID int, remoteIDs []string) (map[string]bool, error) {
	if len(remoteIDs) == 0 {
		return map[string]bool{}, nil
	}

	query := `
        SELECT remote_id
        FROM emails
        WHERE account_id = $1 AND remote_id = ANY($2)
    `
	rows, err := r.db.Query(ctx, query, accountID, remoteIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// CreateWithClassification persists an email and its classification record in
// one transaction. The UNIQUE constraint on (account_id, remote_id) makes the
// insert idempotent at the message granularity.
func (r *EmailRepository) CreateWithClassification(ctx context.Context, e *model.Email, c *model.Classification) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	insertEmail := `
        INSERT INTO emails (account_id, remote_id, thread_id, sender, recipients, subject, snippet, received_at, is_read, remote_labels, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
        ON CONFLICT (account_id, remote_id) DO NOTHING
        RETURNING id
    `
	var emailID int
	err = tx.QueryRow(ctx, insertEmail,
		e.AccountID,
		e.RemoteID,
		e.ThreadID,
		e.Sender,
		e.Recipients,
		e.Subject,
		e.Snippet,
		e.ReceivedAt,
		e.IsRead,
		e.RemoteLabels,
	).Scan(&emailID)
	if errors.Is(err, pgx.ErrNoRows) {
		// 已经入库，幂等跳过
		return 0, ErrAlreadyIngested
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert email: %w", err)
	}

	insertClassification := `
        INSERT INTO email_classifications (email_id, category, confidence, rationale, source, labelled, created_at)
        VALUES ($1, $2, $3, $4, $5, false, NOW())
        ON CONFLICT (email_id) DO NOTHING
    `
	_, err = tx.Exec(ctx, insertClassification,
		emailID,
		string(c.Category),
		c.Confidence,
		c.Rationale,
		c.Source,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert classification: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return emailID, nil
}

// MarkLabelled sets the labelled flag after the remote label was applied.
func (r *EmailRepository) MarkLabelled(ctx context.Context, emailID int) error {
	query := `
        UPDATE email_classifications
        SET labelled = true
        WHERE email_id = $1
    `
	_, err := r.db.Exec(ctx, query, emailID)
	return err
}

// OverrideCategory rewrites a classification from explicit user feedback.
// The labelled flag is cleared so the next labelling pass can move the label.
func (r *EmailRepository) OverrideCategory(ctx context.Context, accountID, emailID int, category model.Category) error {
	query := `
        UPDATE email_classifications
        SET category = $1, source = $2, labelled = false
        FROM emails
        WHERE email_classifications.email_id = emails.id
          AND emails.id = $3
          AND emails.account_id = $4
    `
	tag, err := r.db.Exec(ctx, query, string(category), model.SourceUser, emailID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListWithClassification returns all emails with their classification for an account.
func (r *EmailRepository) ListWithClassification(ctx context.Context, accountID int) ([]model.EmailWithClassification, error) {
	query := `
        SELECT
            e.id, e.remote_id, e.thread_id, e.sender, e.recipients, e.subject,
            e.snippet, e.received_at, e.is_read, e.created_at,
            c.category, c.confidence, c.rationale, c.source, c.labelled
        FROM emails e
        LEFT JOIN email_classifications c ON e.id = c.email_id
        WHERE e.account_id = $1
        ORDER BY e.received_at DESC
    `
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []model.EmailWithClassification{}
	for rows.Next() {
		var item model.EmailWithClassification
		var category, rationale, source *string
		var confidence *float64
		var labelled *bool

		err := rows.Scan(
			&item.Email.ID,
			&item.Email.RemoteID,
			&item.Email.ThreadID,
			&item.Email.Sender,
			&item.Email.Recipients,
			&item.Email.Subject,
			&item.Email.Snippet,
			&item.Email.ReceivedAt,
			&item.Email.IsRead,
			&item.Email.CreatedAt,
			&category,
			&confidence,
			&rationale,
			&source,
			&labelled,
		)
		if err != nil {
			return nil, err
		}

		item.Email.AccountID = accountID
		if category != nil {
			item.Classification = &model.Classification{
				EmailID:    item.Email.ID,
				Category:   model.Category(*category),
				Confidence: *confidence,
				Rationale:  *rationale,
				Source:     *source,
				Labelled:   *labelled,
			}
		}
		results = append(results, item)
	}
	return results, rows.Err()
}

// PurgeAccount deletes all emails and classifications for an account.
// Used by the destructive reset variant.
func (r *EmailRepository) PurgeAccount(ctx context.Context, accountID int) error {
	// email_classifications rows go away via ON DELETE CASCADE
	_, err := r.db.Exec(ctx, `DELETE FROM emails WHERE account_id = $1`, accountID)
	return err
}

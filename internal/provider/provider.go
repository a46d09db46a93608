package provider

import (
	"context"
	"errors"

	"mailtriage/internal/model"
)

// ErrReauthRequired means the stored refresh token was rejected by the
// provider. The account owner must re-authenticate out-of-band; the error is
// deliberately distinguishable so callers never retry it.
var ErrReauthRequired = errors.New("mail account requires re-authentication")

// MailClient is the live, authenticated view of one remote mail account.
type MailClient interface {
	ListMessages(ctx context.Context, query string, max int64) ([]model.Email, error)
	ListLabels(ctx context.Context) ([]model.RemoteLabel, error)
	CreateLabel(ctx context.Context, name, color string) (string, error)
	ApplyLabel(ctx context.Context, remoteMessageID, labelID string) error
}

// ClientProvider produces a working MailClient for an account, refreshing
// credentials as needed.
type ClientProvider interface {
	ClientFor(ctx context.Context, account *model.Account) (MailClient, error)
}

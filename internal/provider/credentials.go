package provider

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mailtriage/internal/model"
)

// refreshMargin: tokens expiring sooner than this are refreshed proactively,
// so a token never dies mid-run.
const refreshMargin = 5 * time.Minute

// fallbackTokenTTL is assumed when the refresh response carries no expiry.
// Leaving the expiry absent again would force a refresh on every single call.
const fallbackTokenTTL = time.Hour

// TokenStore persists re-encrypted tokens after a refresh.
type TokenStore interface {
	SaveTokens(ctx context.Context, accountID int, accessTokenEnc, refreshTokenEnc string, expiry time.Time) error
}

// Refresher exchanges a refresh token for a fresh access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// GoogleRefresher refreshes against Google's OAuth endpoint.
type GoogleRefresher struct {
	cfg *oauth2.Config
}

func NewGoogleRefresher(clientID, clientSecret string) *GoogleRefresher {
	return &GoogleRefresher{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: "https://oauth2.googleapis.com/token",
			},
		},
	}
}

func (g *GoogleRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := g.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

// ClientFactory builds a MailClient from a live access token. Injected so
// tests can substitute a fake without touching the Gmail SDK.
type ClientFactory func(ctx context.Context, accessToken string) (MailClient, error)

// Credentials is the credential provider: it decrypts stored tokens,
// refreshes them when the expiry is near or unknown, and hands out a working
// MailClient.
type Credentials struct {
	store     TokenStore
	cipher    *TokenCipher
	refresher Refresher
	newClient ClientFactory
	logger    *zap.Logger
}

func NewCredentials(store TokenStore, cipher *TokenCipher, refresher Refresher, newClient ClientFactory, logger *zap.Logger) *Credentials {
	return &Credentials{
		store:     store,
		cipher:    cipher,
		refresher: refresher,
		newClient: newClient,
		logger:    logger,
	}
}

// ClientFor returns a live client for the account. An absent expiry is
// treated as "assume expired", never "assume valid": an unknown expiry is
// exactly the case most likely to silently serve a dead token.
func (c *Credentials) ClientFor(ctx context.Context, account *model.Account) (MailClient, error) {
	accessToken, err := c.cipher.Open(account.AccessTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}

	if account.TokenExpiry == nil || time.Until(*account.TokenExpiry) < refreshMargin {
		accessToken, err = c.refresh(ctx, account)
		if err != nil {
			return nil, err
		}
	}

	return c.newClient(ctx, accessToken)
}

func (c *Credentials) refresh(ctx context.Context, account *model.Account) (string, error) {
	refreshToken, err := c.cipher.Open(account.RefreshTokenEnc)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	tok, err := c.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		c.logger.Warn("Token refresh rejected",
			zap.Int("account_id", account.ID),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(fallbackTokenTTL)
	}

	accessEnc, err := c.cipher.Seal(tok.AccessToken)
	if err != nil {
		return "", err
	}
	// 某些 provider 轮换 refresh token
	refreshEnc := account.RefreshTokenEnc
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		refreshEnc, err = c.cipher.Seal(tok.RefreshToken)
		if err != nil {
			return "", err
		}
	}

	if err := c.store.SaveTokens(ctx, account.ID, accessEnc, refreshEnc, expiry); err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	account.AccessTokenEnc = accessEnc
	account.RefreshTokenEnc = refreshEnc
	account.TokenExpiry = &expiry

	c.logger.Info("Access token refreshed",
		zap.Int("account_id", account.ID),
		zap.Time("expiry", expiry),
	)
	return tok.AccessToken, nil
}

package model

import "time"

// Account tiers. Bulk triage is a paid feature.
const (
	TierFree = "free"
	TierPro  = "pro"
	TierTeam = "team"
)

type User struct {
	ID           int
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Account is a connected mail account. Tokens are stored encrypted; they are
// only ever decrypted inside the credential provider.
type Account struct {
	ID              int
	UserID          int
	Email           string
	Tier            string
	AccessTokenEnc  string
	RefreshTokenEnc string
	TokenExpiry     *time.Time
	LastSyncedAt    *time.Time
	CreatedAt       time.Time
}

// Entitled reports whether the account's tier allows bulk triage runs.
func (a *Account) Entitled() bool {
	return a.Tier == TierPro || a.Tier == TierTeam
}

// LabelMapping associates a category with a remote label id for one account.
type LabelMapping struct {
	AccountID     int
	Category      Category
	RemoteLabelID string
	CreatedAt     time.Time
}

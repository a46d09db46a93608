package labels

import (
	"context"

	"go.uber.org/zap"

	"mailtriage/internal/model"
	"mailtriage/internal/provider"
)

// display is the fixed remote label name/color per category.
type display struct {
	name  string
	color string
}

var categoryDisplay = map[model.Category]display{
	model.CategoryUrgent:      {"Triage/Urgent", "#cc3a21"},
	model.CategoryPersonal:    {"Triage/Personal", "#16a766"},
	model.CategoryBusiness:    {"Triage/Business", "#4a86e8"},
	model.CategoryInvoices:    {"Triage/Invoices", "#f2c960"},
	model.CategoryNewsletters: {"Triage/Newsletters", "#a479e2"},
	model.CategorySpam:        {"Triage/Spam", "#999999"},
}

// MappingStore persists account+category label mappings.
type MappingStore interface {
	GetMapping(ctx context.Context, accountID int, category model.Category) (string, error)
	SaveMapping(ctx context.Context, accountID int, category model.Category, remoteLabelID string) error
}

// Resolver maps categories to remote label ids for one pipeline run.
// Resolution happens at most once per category per run, whatever the number
// of messages needing that label: the in-memory cache also stores failed
// resolutions (as ""), so a broken remote never gets hammered either.
// Not safe for concurrent use; the orchestrator resolves labels before
// fanning out label application.
type Resolver struct {
	accountID int
	client    provider.MailClient
	store     MappingStore
	cache     map[model.Category]string
	logger    *zap.Logger
}

func NewResolver(accountID int, client provider.MailClient, store MappingStore, logger *zap.Logger) *Resolver {
	return &Resolver{
		accountID: accountID,
		client:    client,
		store:     store,
		cache:     make(map[model.Category]string),
		logger:    logger,
	}
}

// Resolve returns the remote label id for a category, or "" when the
// category is not label-eligible or resolution failed. A "" result means
// label application is skipped, never that the run fails.
func (r *Resolver) Resolve(ctx context.Context, category model.Category) string {
	if !category.Labelable() {
		return ""
	}
	if id, ok := r.cache[category]; ok {
		return id
	}

	id := r.resolveRemote(ctx, category)
	r.cache[category] = id
	return id
}

func (r *Resolver) resolveRemote(ctx context.Context, category model.Category) string {
	// (a) 先查本地映射
	if id, err := r.store.GetMapping(ctx, r.accountID, category); err != nil {
		r.logger.Warn("Failed to read label mapping",
			zap.Int("account_id", r.accountID),
			zap.String("category", string(category)),
			zap.Error(err),
		)
		return ""
	} else if id != "" {
		return id
	}

	disp := categoryDisplay[category]

	// (b) 远端已有同名 label 则复用
	remoteLabels, err := r.client.ListLabels(ctx)
	if err != nil {
		r.logger.Warn("Failed to list remote labels, skipping label application",
			zap.Int("account_id", r.accountID),
			zap.String("category", string(category)),
			zap.Error(err),
		)
		return ""
	}
	for _, l := range remoteLabels {
		if l.Name == disp.name {
			r.saveMapping(ctx, category, l.ID)
			return l.ID
		}
	}

	// (c) 创建新 label
	id, err := r.client.CreateLabel(ctx, disp.name, disp.color)
	if err != nil {
		r.logger.Warn("Failed to create remote label, skipping label application",
			zap.Int("account_id", r.accountID),
			zap.String("category", string(category)),
			zap.Error(err),
		)
		return ""
	}
	r.saveMapping(ctx, category, id)
	return id
}

func (r *Resolver) saveMapping(ctx context.Context, category model.Category, id string) {
	if err := r.store.SaveMapping(ctx, r.accountID, category, id); err != nil {
		// 映射写失败只影响下次运行的缓存命中，不影响本次
		r.logger.Warn("Failed to persist label mapping",
			zap.Int("account_id", r.accountID),
			zap.String("category", string(category)),
			zap.Error(err),
		)
	}
}

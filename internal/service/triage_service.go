package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mailtriage/internal/model"
	"mailtriage/internal/pipeline"
	"mailtriage/internal/repository"
	"mailtriage/pkg/trace"
)

// TriageService is the thin edge between the HTTP/cron surfaces and the
// pipeline. Bulk runs are long-lived background work: Trigger claims the job
// slot synchronously (so conflicts surface as HTTP errors) and executes the
// pipeline in a detached goroutine under the configured wall-clock ceiling.
type TriageService struct {
	orchestrator *pipeline.Orchestrator
	accounts     *repository.AccountRepository
	jobs         *repository.JobRepository
	emails       *repository.EmailRepository
	labels       *repository.LabelRepository
	runTimeout   time.Duration
	logger       *zap.Logger
}

func NewTriageService(
	orchestrator *pipeline.Orchestrator,
	accounts *repository.AccountRepository,
	jobs *repository.JobRepository,
	emails *repository.EmailRepository,
	labels *repository.LabelRepository,
	runTimeout time.Duration,
	logger *zap.Logger,
) *TriageService {
	return &TriageService{
		orchestrator: orchestrator,
		accounts:     accounts,
		jobs:         jobs,
		emails:       emails,
		labels:       labels,
		runTimeout:   runTimeout,
		logger:       logger,
	}
}

// AccountForUser resolves the user's connected mail account.
func (s *TriageService) AccountForUser(ctx context.Context, userID int) (*model.Account, error) {
	return s.accounts.GetByUserID(ctx, userID)
}

// Trigger starts a bulk (or incremental) run for the account. Returns
// pipeline.ErrNotEntitled or pipeline.ErrJobAlreadyRunning synchronously;
// the pipeline itself runs in the background.
func (s *TriageService) Trigger(ctx context.Context, account *model.Account, incremental bool) error {
	if err := s.orchestrator.Claim(ctx, account); err != nil {
		return err
	}

	// 后台执行，不绑定请求的 context
	traceID := trace.FromContext(ctx)
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
		defer cancel()
		if traceID != "" {
			runCtx = trace.WithContext(runCtx, traceID)
		}

		if err := s.orchestrator.Execute(runCtx, account, pipeline.RunOptions{Incremental: incremental}); err != nil {
			s.logger.Error("Background triage run failed",
				zap.Int("account_id", account.ID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// RunIncremental executes an incremental run synchronously. Used by the
// recurring scheduler, which provides its own pacing and timeout.
func (s *TriageService) RunIncremental(ctx context.Context, account *model.Account) error {
	return s.orchestrator.Run(ctx, account, pipeline.RunOptions{Incremental: true})
}

// Progress returns the current job snapshot.
func (s *TriageService) Progress(ctx context.Context, accountID int) (*model.Job, error) {
	return s.jobs.Get(ctx, accountID)
}

// Reset forces the job record back to idle. The purge variant also deletes
// all ingested emails, classifications and label mappings for the account.
func (s *TriageService) Reset(ctx context.Context, accountID int, purge bool) error {
	if err := s.jobs.Reset(ctx, accountID); err != nil {
		return err
	}
	if !purge {
		return nil
	}
	if err := s.emails.PurgeAccount(ctx, accountID); err != nil {
		return err
	}
	return s.labels.DeleteForAccount(ctx, accountID)
}

// ListEmails returns the account's emails with classifications.
func (s *TriageService) ListEmails(ctx context.Context, accountID int) ([]model.EmailWithClassification, error) {
	return s.emails.ListWithClassification(ctx, accountID)
}

// OverrideCategory records explicit user feedback on a classification.
func (s *TriageService) OverrideCategory(ctx context.Context, accountID, emailID int, category model.Category) error {
	return s.emails.OverrideCategory(ctx, accountID, emailID, category)
}

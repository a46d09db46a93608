package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailtriage/internal/labels"
	"mailtriage/internal/model"
	eventmq "mailtriage/internal/mq"
	"mailtriage/internal/provider"
	"mailtriage/internal/repository"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/metrics"
)

// ErrNotEntitled is returned when the account's tier does not allow bulk runs.
var ErrNotEntitled = errors.New("account tier not entitled to bulk triage")

// ErrJobAlreadyRunning re-exported for callers that only import pipeline.
var ErrJobAlreadyRunning = repository.ErrJobAlreadyRunning

// Classifier classifies a batch of messages. Implementations never fail a
// batch; every message gets a result, via fallback if necessary.
type Classifier interface {
	ClassifyBatch(ctx context.Context, emails []model.Email) map[string]model.Classification
}

// EmailStore persists ingested messages and their classifications.
type EmailStore interface {
	ExistingRemoteIDs(ctx context.Context, accountID int, remoteIDs []string) (map[string]bool, error)
	CreateWithClassification(ctx context.Context, e *model.Email, c *model.Classification) (int, error)
	MarkLabelled(ctx context.Context, emailID int) error
}

// JobStore is the durable per-account progress record.
type JobStore interface {
	TryStart(ctx context.Context, accountID int) error
	SetTotals(ctx context.Context, accountID, totalCandidates, totalBatches int) error
	Checkpoint(ctx context.Context, accountID, processed, labelled, errCount, currentBatch int) error
	Complete(ctx context.Context, accountID int) error
	Fail(ctx context.Context, accountID int, message string) error
}

// AccountStore updates account sync metadata.
type AccountStore interface {
	UpdateLastSynced(ctx context.Context, accountID int, t time.Time) error
}

// EventPublisher publishes triage events. Publishing is best-effort and
// never affects run outcome.
type EventPublisher interface {
	Publish(routingKey string, payload any) error
}

// Config holds the pipeline tuning knobs.
type Config struct {
	FetchMax       int64
	BatchSize      int
	Concurrency    int
	LabelThreshold float64
}

func DefaultConfig() Config {
	return Config{
		FetchMax:       500,
		BatchSize:      20,
		Concurrency:    5,
		LabelThreshold: 0.6,
	}
}

// RunOptions selects between a full bulk run and an incremental one bounded
// to messages received since the last successful sync.
type RunOptions struct {
	Incremental bool
}

// Orchestrator drives the bulk classification-and-labelling pipeline:
// fetch, dedupe, classify (bounded concurrency), persist, label (bounded
// concurrency), checkpoint after every batch.
type Orchestrator struct {
	clients    provider.ClientProvider
	classifier Classifier
	emails     EmailStore
	jobs       JobStore
	mappings   labels.MappingStore
	accounts   AccountStore
	publisher  EventPublisher
	cfg        Config
	logger     *zap.Logger
}

func NewOrchestrator(
	clients provider.ClientProvider,
	classifier Classifier,
	emails EmailStore,
	jobs JobStore,
	mappings labels.MappingStore,
	accounts AccountStore,
	publisher EventPublisher,
	cfg Config,
	log *zap.Logger,
) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.FetchMax <= 0 {
		cfg.FetchMax = 500
	}
	if cfg.LabelThreshold <= 0 {
		cfg.LabelThreshold = 0.6
	}
	return &Orchestrator{
		clients:    clients,
		classifier: classifier,
		emails:     emails,
		jobs:       jobs,
		mappings:   mappings,
		accounts:   accounts,
		publisher:  publisher,
		cfg:        cfg,
		logger:     log,
	}
}

// Run executes one bulk run for the account: claim the job slot, then
// execute the pipeline. Only fatal setup failures (no working client, fetch
// failure) move the job to error; every per-item failure is absorbed into
// counters. Re-running after completed or error is always safe: dedup by
// remote id makes the pipeline idempotent at the message granularity.
func (o *Orchestrator) Run(ctx context.Context, account *model.Account, opts RunOptions) error {
	if err := o.Claim(ctx, account); err != nil {
		return err
	}
	return o.Execute(ctx, account, opts)
}

// Claim atomically takes the per-account job slot. Split from Execute so the
// HTTP trigger can reject conflicts synchronously and run the pipeline in the
// background.
func (o *Orchestrator) Claim(ctx context.Context, account *model.Account) error {
	if !account.Entitled() {
		return ErrNotEntitled
	}
	return o.jobs.TryStart(ctx, account.ID)
}

// Execute runs the pipeline for an already-claimed job.
func (o *Orchestrator) Execute(ctx context.Context, account *model.Account, opts RunOptions) error {
	log := logger.WithTrace(ctx, o.logger).With(zap.Int("account_id", account.ID))
	start := time.Now()

	client, err := o.clients.ClientFor(ctx, account)
	if err != nil {
		// 致命错误：无法获取客户端，任务直接失败
		log.Error("Failed to obtain mail client", zap.Error(err))
		o.fail(ctx, account.ID, err)
		metrics.RecordJobDuration("error", time.Since(start))
		return err
	}

	candidates, err := client.ListMessages(ctx, o.buildQuery(account, opts), o.cfg.FetchMax)
	if err != nil {
		log.Error("Failed to fetch candidate messages", zap.Error(err))
		o.fail(ctx, account.ID, err)
		metrics.RecordJobDuration("error", time.Since(start))
		return err
	}

	newEmails, err := o.dedupe(ctx, account.ID, candidates)
	if err != nil {
		log.Error("Failed to dedupe candidates", zap.Error(err))
		o.fail(ctx, account.ID, err)
		metrics.RecordJobDuration("error", time.Since(start))
		return err
	}

	log.Info("Starting triage run",
		zap.Int("candidates", len(candidates)),
		zap.Int("new_messages", len(newEmails)),
		zap.Bool("incremental", opts.Incremental),
	)

	if len(newEmails) == 0 {
		// 没有新邮件，直接完成
		return o.finish(ctx, account, log, runCounters{}, start)
	}

	totalBatches := (len(newEmails) + o.cfg.BatchSize - 1) / o.cfg.BatchSize
	if err := o.jobs.SetTotals(ctx, account.ID, len(newEmails), totalBatches); err != nil {
		log.Warn("Failed to record job totals", zap.Error(err))
	}

	resolver := labels.NewResolver(account.ID, client, o.mappings, o.logger)

	var counters runCounters
	for batchIdx := 0; batchIdx < totalBatches; batchIdx++ {
		lo := batchIdx * o.cfg.BatchSize
		hi := min(lo+o.cfg.BatchSize, len(newEmails))
		batch := newEmails[lo:hi]

		o.processBatch(ctx, account, client, resolver, batch, &counters)

		// 每个 batch 结束后无条件 checkpoint
		if err := o.jobs.Checkpoint(ctx, account.ID, counters.processed, counters.labelled, counters.errors, batchIdx+1); err != nil {
			log.Warn("Failed to checkpoint job progress",
				zap.Int("batch", batchIdx+1),
				zap.Error(err),
			)
		}

		log.Info("Batch complete",
			zap.Int("batch", batchIdx+1),
			zap.Int("total_batches", totalBatches),
			zap.Int("processed", counters.processed),
			zap.Int("labelled", counters.labelled),
			zap.Int("errors", counters.errors),
		)
	}

	return o.finish(ctx, account, log, counters, start)
}

type runCounters struct {
	processed int
	labelled  int
	errors    int
}

// persistedEmail is a worker result handed back to the orchestrator; workers
// never touch the job record or the counters themselves.
type persistedEmail struct {
	emailID        int
	remoteID       string
	classification model.Classification
}

// processBatch classifies, persists and labels one batch. Per-item failures
// are counted and logged, never escalated.
func (o *Orchestrator) processBatch(
	ctx context.Context,
	account *model.Account,
	client provider.MailClient,
	resolver *labels.Resolver,
	batch []model.Email,
	counters *runCounters,
) {
	log := logger.WithTrace(ctx, o.logger).With(zap.Int("account_id", account.ID))

	results := o.classifier.ClassifyBatch(ctx, batch)

	persisted := make([]persistedEmail, 0, len(batch))
	for i := range batch {
		e := batch[i]
		c, ok := results[e.RemoteID]
		if !ok {
			// 分类器契约保证每封邮件都有结果；防御性兜底
			counters.errors++
			metrics.IncrementEmailProcessed("error")
			continue
		}

		e.AccountID = account.ID
		emailID, err := o.emails.CreateWithClassification(ctx, &e, &c)
		if errors.Is(err, repository.ErrAlreadyIngested) {
			continue
		}
		if err != nil {
			counters.errors++
			metrics.IncrementEmailProcessed("error")
			log.Warn("Failed to persist message",
				zap.String("remote_id", e.RemoteID),
				zap.Error(err),
			)
			continue
		}

		counters.processed++
		metrics.IncrementEmailProcessed("processed")
		o.publish(eventmq.RoutingKeyEmailClassified, eventmq.EmailClassifiedPayload{
			AccountID:  account.ID,
			EmailID:    emailID,
			RemoteID:   e.RemoteID,
			Category:   string(c.Category),
			Confidence: c.Confidence,
			Source:     c.Source,
		})

		persisted = append(persisted, persistedEmail{
			emailID:        emailID,
			remoteID:       e.RemoteID,
			classification: c,
		})
	}

	counters.labelled += o.applyLabels(ctx, client, resolver, persisted, log)
}

// applyLabels resolves labels (cached, sequential) then applies them with
// the bounded worker pool. Workers report outcomes back; the orchestrator
// alone tallies them.
func (o *Orchestrator) applyLabels(
	ctx context.Context,
	client provider.MailClient,
	resolver *labels.Resolver,
	persisted []persistedEmail,
	log *zap.Logger,
) int {
	type target struct {
		emailID  int
		remoteID string
		category model.Category
		labelID  string
	}

	var targets []target
	for _, p := range persisted {
		c := p.classification
		if c.Confidence < o.cfg.LabelThreshold || !c.Category.Labelable() {
			continue
		}
		labelID := resolver.Resolve(ctx, c.Category)
		if labelID == "" {
			// 解析失败或不可标注：跳过，不算错误
			continue
		}
		targets = append(targets, target{
			emailID:  p.emailID,
			remoteID: p.remoteID,
			category: c.Category,
			labelID:  labelID,
		})
	}

	applied := make([]bool, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i := range targets {
		i := i
		g.Go(func() error {
			t := targets[i]
			if err := client.ApplyLabel(gctx, t.remoteID, t.labelID); err != nil {
				log.Warn("Failed to apply remote label",
					zap.String("remote_id", t.remoteID),
					zap.String("category", string(t.category)),
					zap.Error(err),
				)
				return nil
			}
			applied[i] = true
			return nil
		})
	}
	_ = g.Wait()

	labelled := 0
	for i, ok := range applied {
		if !ok {
			continue
		}
		t := targets[i]
		if err := o.emails.MarkLabelled(ctx, t.emailID); err != nil {
			log.Warn("Failed to record labelled flag",
				zap.Int("email_id", t.emailID),
				zap.Error(err),
			)
		}
		metrics.IncrementLabelApplied(string(t.category))
		labelled++
	}
	return labelled
}

// dedupe drops candidates whose remote id is already ingested.
func (o *Orchestrator) dedupe(ctx context.Context, accountID int, candidates []model.Email) ([]model.Email, error) {
	ids := make([]string, len(candidates))
	for i, e := range candidates {
		ids[i] = e.RemoteID
	}

	existing, err := o.emails.ExistingRemoteIDs(ctx, accountID, ids)
	if err != nil {
		return nil, err
	}

	fresh := make([]model.Email, 0, len(candidates))
	for _, e := range candidates {
		if !existing[e.RemoteID] {
			fresh = append(fresh, e)
		}
	}
	return fresh, nil
}

// buildQuery scopes the fetch. Incremental runs only look at messages
// received after the last successful sync.
func (o *Orchestrator) buildQuery(account *model.Account, opts RunOptions) string {
	query := "in:inbox"
	if opts.Incremental && account.LastSyncedAt != nil {
		query = fmt.Sprintf("in:inbox after:%d", account.LastSyncedAt.Unix())
	}
	return query
}

func (o *Orchestrator) finish(ctx context.Context, account *model.Account, log *zap.Logger, counters runCounters, start time.Time) error {
	if err := o.jobs.Complete(ctx, account.ID); err != nil {
		log.Error("Failed to mark job completed", zap.Error(err))
		return err
	}
	if err := o.accounts.UpdateLastSynced(ctx, account.ID, time.Now()); err != nil {
		log.Warn("Failed to update last sync timestamp", zap.Error(err))
	}

	o.publish(eventmq.RoutingKeyJobCompleted, eventmq.JobCompletedPayload{
		AccountID:   account.ID,
		Status:      string(model.JobCompleted),
		Processed:   counters.processed,
		Labelled:    counters.labelled,
		Errors:      counters.errors,
		CompletedAt: time.Now(),
	})

	metrics.RecordJobDuration("completed", time.Since(start))
	log.Info("Triage run completed",
		zap.Int("processed", counters.processed),
		zap.Int("labelled", counters.labelled),
		zap.Int("errors", counters.errors),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, accountID int, cause error) {
	if err := o.jobs.Fail(ctx, accountID, cause.Error()); err != nil {
		o.logger.Error("Failed to mark job as errored",
			zap.Int("account_id", accountID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) publish(routingKey string, payload any) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(routingKey, payload); err != nil {
		o.logger.Warn("Failed to publish event",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
	}
}

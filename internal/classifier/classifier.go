package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailtriage/internal/model"
	"mailtriage/pkg/circuitbreaker"
	"mailtriage/pkg/metrics"
)

const systemPrompt = `You are an email triage assistant. Classify the email into exactly one of:
urgent, personal, business, invoices, newsletters, spam, unknown.
Respond with a single JSON object: {"category": "...", "confidence": 0.0-1.0, "rationale": "..."}`

// Classifier classifies messages via the AI backend with a deterministic
// rule-based fallback. Any backend failure, malformed output or open breaker
// degrades to rules; Classify never fails.
type Classifier struct {
	backend     Backend
	breaker     *circuitbreaker.CircuitBreaker
	concurrency int
	logger      *zap.Logger
}

func New(backend Backend, breaker *circuitbreaker.CircuitBreaker, concurrency int, logger *zap.Logger) *Classifier {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Classifier{
		backend:     backend,
		breaker:     breaker,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Classify returns a classification for one message. The AI path is tried
// first; every failure mode falls back to the rule engine, which always
// terminates with a result.
func (c *Classifier) Classify(ctx context.Context, e model.Email) model.Classification {
	start := time.Now()

	var raw string
	err := c.breaker.Execute(func() error {
		var callErr error
		raw, callErr = c.backend.Complete(ctx, systemPrompt, userPrompt(e))
		return callErr
	})
	if err != nil {
		metrics.RecordClassifierCall(model.SourceRules, "backend_error", time.Since(start))
		c.logger.Warn("Classifier backend failed, falling back to rules",
			zap.String("remote_id", e.RemoteID),
			zap.Error(err),
		)
		return ClassifyByRules(e)
	}

	result, err := parseClassification(raw)
	if err != nil {
		metrics.RecordClassifierCall(model.SourceRules, "parse_error", time.Since(start))
		c.logger.Warn("Classifier output rejected, falling back to rules",
			zap.String("remote_id", e.RemoteID),
			zap.Error(err),
		)
		return ClassifyByRules(e)
	}

	metrics.RecordClassifierCall(model.SourceAI, "ok", time.Since(start))
	return result
}

// ClassifyBatch classifies messages with a bounded worker pool and returns a
// map keyed by remote message id. A single message's failure never aborts the
// batch; its slot is filled via the fallback path inside Classify.
func (c *Classifier) ClassifyBatch(ctx context.Context, emails []model.Email) map[string]model.Classification {
	results := make([]model.Classification, len(emails))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := range emails {
		i := i
		g.Go(func() error {
			results[i] = c.Classify(gctx, emails[i])
			return nil
		})
	}
	// workers never return errors; Wait is only a join point
	_ = g.Wait()

	out := make(map[string]model.Classification, len(emails))
	for i, e := range emails {
		out[e.RemoteID] = results[i]
	}
	return out
}

// userPrompt renders the message metadata sent to the backend. The full body
// is never sent, only the snippet.
func userPrompt(e model.Email) string {
	return fmt.Sprintf(
		"From: %s\nTo: %s\nSubject: %s\nSnippet: %s",
		e.Sender,
		strings.Join(e.Recipients, ", "),
		e.Subject,
		e.Snippet,
	)
}

package classifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailtriage/internal/model"
	"mailtriage/pkg/circuitbreaker"
)

// fakeBackend routes responses by the subject embedded in the user prompt.
type fakeBackend struct {
	mu        sync.Mutex
	responses map[string]string // subject -> raw response
	errs      map[string]error  // subject -> error
	calls     int
}

func (f *fakeBackend) Complete(_ context.Context, _, userPrompt string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	for subject, err := range f.errs {
		if strings.Contains(userPrompt, subject) {
			return "", err
		}
	}
	for subject, resp := range f.responses {
		if strings.Contains(userPrompt, subject) {
			return resp, nil
		}
	}
	return "", errors.New("no canned response")
}

func newTestClassifier(backend Backend) *Classifier {
	return New(backend, circuitbreaker.New(circuitbreaker.DefaultConfig()), 5, zap.NewNop())
}

func TestClassify_AIPath(t *testing.T) {
	backend := &fakeBackend{
		responses: map[string]string{
			"quarterly report": `{"category": "business", "confidence": 0.85, "rationale": "work topic"}`,
		},
	}
	c := newTestClassifier(backend)

	got := c.Classify(context.Background(), model.Email{Subject: "quarterly report"})
	if got.Source != model.SourceAI {
		t.Errorf("source = %q, want ai", got.Source)
	}
	if got.Category != model.CategoryBusiness {
		t.Errorf("category = %q, want business", got.Category)
	}
	if got.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", got.Confidence)
	}
}

func TestClassify_FallbackOnBackendError(t *testing.T) {
	backend := &fakeBackend{
		errs: map[string]error{"invoice attached": errors.New("timeout")},
	}
	c := newTestClassifier(backend)

	got := c.Classify(context.Background(), model.Email{Subject: "invoice attached"})
	if got.Source != model.SourceRules {
		t.Errorf("source = %q, want rules", got.Source)
	}
	if got.Category != model.CategoryInvoices {
		t.Errorf("category = %q, want invoices", got.Category)
	}
}

func TestClassify_FallbackOnMalformedOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"non-JSON", "I think this is spam"},
		{"invalid category", `{"category": "gossip", "confidence": 0.9}`},
		{"empty content", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{responses: map[string]string{"some subject": tt.raw}}
			c := newTestClassifier(backend)

			got := c.Classify(context.Background(), model.Email{Subject: "some subject"})
			if got.Source != model.SourceRules {
				t.Errorf("source = %q, want rules", got.Source)
			}
			if _, ok := model.ParseCategory(string(got.Category)); !ok {
				t.Errorf("category %q outside the fixed set", got.Category)
			}
		})
	}
}

func TestClassify_FallbackWhenBreakerOpen(t *testing.T) {
	backend := &fakeBackend{}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		Timeout:             time.Hour,
		HalfOpenMaxRequests: 1,
	})
	c := New(backend, breaker, 5, zap.NewNop())

	// 第一次失败打开熔断器
	_ = c.Classify(context.Background(), model.Email{Subject: "first"})
	callsAfterFirst := backend.calls

	got := c.Classify(context.Background(), model.Email{Subject: "second"})
	if got.Source != model.SourceRules {
		t.Errorf("source = %q, want rules", got.Source)
	}
	if backend.calls != callsAfterFirst {
		t.Errorf("backend called while breaker open: %d calls, want %d", backend.calls, callsAfterFirst)
	}
}

func TestClassifyBatch_PartialFailure(t *testing.T) {
	backend := &fakeBackend{
		responses: map[string]string{
			"subject B": `{"category": "urgent", "confidence": 0.9, "rationale": "deadline"}`,
		},
		errs: map[string]error{"subject A": errors.New("boom")},
	}
	c := newTestClassifier(backend)

	emails := []model.Email{
		{RemoteID: "a", Subject: "subject A"},
		{RemoteID: "b", Subject: "subject B"},
	}
	results := c.ClassifyBatch(context.Background(), emails)

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results["a"].Source != model.SourceRules {
		t.Errorf("message a source = %q, want rules", results["a"].Source)
	}
	if results["b"].Source != model.SourceAI {
		t.Errorf("message b source = %q, want ai", results["b"].Source)
	}
	if results["b"].Category != model.CategoryUrgent {
		t.Errorf("message b category = %q, want urgent", results["b"].Category)
	}
}

func TestClassifyBatch_EveryMessageGetsAResult(t *testing.T) {
	backend := &fakeBackend{} // 全部失败
	c := newTestClassifier(backend)

	var emails []model.Email
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7"} {
		emails = append(emails, model.Email{RemoteID: id, Subject: "subject " + id})
	}

	results := c.ClassifyBatch(context.Background(), emails)
	if len(results) != len(emails) {
		t.Fatalf("got %d results, want %d", len(results), len(emails))
	}
	for id, r := range results {
		if r.Source != model.SourceRules {
			t.Errorf("message %s source = %q, want rules", id, r.Source)
		}
	}
}

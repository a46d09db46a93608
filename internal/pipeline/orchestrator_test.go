package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailtriage/internal/model"
	"mailtriage/internal/provider"
	"mailtriage/internal/repository"
)

// ---- fakes -----------------------------------------------------------------

type fakeMailClient struct {
	mu        sync.Mutex
	messages  []model.Email
	listErr   error
	applyErrs map[string]error
	applied   map[string]string // remote message id -> label id
	labelSeq  int
}

func (f *fakeMailClient) ListMessages(_ context.Context, _ string, max int64) ([]model.Email, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if int64(len(f.messages)) > max {
		return f.messages[:max], nil
	}
	return f.messages, nil
}

func (f *fakeMailClient) ListLabels(context.Context) ([]model.RemoteLabel, error) {
	return nil, nil
}

func (f *fakeMailClient) CreateLabel(_ context.Context, name, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labelSeq++
	return fmt.Sprintf("lbl-%d", f.labelSeq), nil
}

func (f *fakeMailClient) ApplyLabel(_ context.Context, remoteMessageID, labelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.applyErrs[remoteMessageID]; err != nil {
		return err
	}
	if f.applied == nil {
		f.applied = make(map[string]string)
	}
	f.applied[remoteMessageID] = labelID
	return nil
}

type fakeClientProvider struct {
	client provider.MailClient
	err    error
}

func (f *fakeClientProvider) ClientFor(context.Context, *model.Account) (provider.MailClient, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

type fakeClassifier struct {
	mu      sync.Mutex
	results map[string]model.Classification
	calls   int
}

func (f *fakeClassifier) ClassifyBatch(_ context.Context, emails []model.Email) map[string]model.Classification {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	out := make(map[string]model.Classification, len(emails))
	for _, e := range emails {
		if r, ok := f.results[e.RemoteID]; ok {
			out[e.RemoteID] = r
			continue
		}
		out[e.RemoteID] = model.Classification{
			Category:   model.CategoryBusiness,
			Confidence: 0.7,
			Rationale:  "default",
			Source:     model.SourceAI,
		}
	}
	return out
}

type storedEmail struct {
	email          model.Email
	classification model.Classification
}

type fakeEmailStore struct {
	mu         sync.Mutex
	nextID     int
	byRemoteID map[string]*storedEmail
	byID       map[int]*storedEmail
	createErrs map[string]error
}

func newFakeEmailStore() *fakeEmailStore {
	return &fakeEmailStore{
		byRemoteID: make(map[string]*storedEmail),
		byID:       make(map[int]*storedEmail),
		createErrs: make(map[string]error),
	}
}

func (f *fakeEmailStore) ExistingRemoteIDs(_ context.Context, _ int, remoteIDs []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range remoteIDs {
		if _, ok := f.byRemoteID[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (f *fakeEmailStore) CreateWithClassification(_ context.Context, e *model.Email, c *model.Classification) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErrs[e.RemoteID]; err != nil {
		return 0, err
	}
	if _, ok := f.byRemoteID[e.RemoteID]; ok {
		return 0, repository.ErrAlreadyIngested
	}
	f.nextID++
	rec := &storedEmail{email: *e, classification: *c}
	rec.email.ID = f.nextID
	f.byRemoteID[e.RemoteID] = rec
	f.byID[f.nextID] = rec
	return f.nextID, nil
}

func (f *fakeEmailStore) MarkLabelled(_ context.Context, emailID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.byID[emailID]; ok {
		rec.classification.Labelled = true
	}
	return nil
}

type checkpoint struct {
	processed, labelled, errors, currentBatch int
}

type fakeJobStore struct {
	mu          sync.Mutex
	startErr    error
	status      model.JobStatus
	lastError   string
	totals      [2]int
	checkpoints []checkpoint
}

func (f *fakeJobStore) TryStart(context.Context, int) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = model.JobRunning
	return nil
}

func (f *fakeJobStore) SetTotals(_ context.Context, _ int, totalCandidates, totalBatches int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totals = [2]int{totalCandidates, totalBatches}
	return nil
}

func (f *fakeJobStore) Checkpoint(_ context.Context, _ int, processed, labelled, errCount, currentBatch int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, checkpoint{processed, labelled, errCount, currentBatch})
	return nil
}

func (f *fakeJobStore) Complete(context.Context, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = model.JobCompleted
	return nil
}

func (f *fakeJobStore) Fail(_ context.Context, _ int, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = model.JobError
	f.lastError = message
	return nil
}

type fakeAccountStore struct {
	mu         sync.Mutex
	lastSynced map[int]time.Time
}

func (f *fakeAccountStore) UpdateLastSynced(_ context.Context, accountID int, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastSynced == nil {
		f.lastSynced = make(map[int]time.Time)
	}
	f.lastSynced[accountID] = t
	return nil
}

type publishedEvent struct {
	routingKey string
	payload    any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakePublisher) Publish(routingKey string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{routingKey, payload})
	return nil
}

type mappingStore struct {
	mu       sync.Mutex
	mappings map[string]string
}

func (m *mappingStore) GetMapping(_ context.Context, accountID int, category model.Category) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mappings[fmt.Sprintf("%d:%s", accountID, category)], nil
}

func (m *mappingStore) SaveMapping(_ context.Context, accountID int, category model.Category, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mappings == nil {
		m.mappings = make(map[string]string)
	}
	m.mappings[fmt.Sprintf("%d:%s", accountID, category)] = id
	return nil
}

// ---- harness ---------------------------------------------------------------

type harness struct {
	orchestrator *Orchestrator
	client       *fakeMailClient
	clients      *fakeClientProvider
	classifier   *fakeClassifier
	emails       *fakeEmailStore
	jobs         *fakeJobStore
	accounts     *fakeAccountStore
	publisher    *fakePublisher
}

func newHarness() *harness {
	h := &harness{
		client:     &fakeMailClient{},
		classifier: &fakeClassifier{},
		emails:     newFakeEmailStore(),
		jobs:       &fakeJobStore{},
		accounts:   &fakeAccountStore{},
		publisher:  &fakePublisher{},
	}
	h.clients = &fakeClientProvider{client: h.client}
	h.orchestrator = NewOrchestrator(
		h.clients,
		h.classifier,
		h.emails,
		h.jobs,
		&mappingStore{},
		h.accounts,
		h.publisher,
		DefaultConfig(),
		zap.NewNop(),
	)
	return h
}

func proAccount() *model.Account {
	return &model.Account{ID: 1, UserID: 1, Email: "user@example.com", Tier: model.TierPro}
}

func genEmails(n int) []model.Email {
	out := make([]model.Email, n)
	for i := range out {
		out[i] = model.Email{
			RemoteID:   fmt.Sprintf("msg-%03d", i),
			Subject:    fmt.Sprintf("subject %d", i),
			Sender:     "someone@corp.example",
			ReceivedAt: time.Now(),
		}
	}
	return out
}

// ---- tests -----------------------------------------------------------------

func TestRun_NotEntitled(t *testing.T) {
	h := newHarness()
	account := proAccount()
	account.Tier = model.TierFree

	err := h.orchestrator.Run(context.Background(), account, RunOptions{})
	if !errors.Is(err, ErrNotEntitled) {
		t.Fatalf("Run() error = %v, want ErrNotEntitled", err)
	}
	if h.jobs.status != "" {
		t.Errorf("job status = %q, want untouched", h.jobs.status)
	}
}

func TestRun_SingleFlightConflict(t *testing.T) {
	h := newHarness()
	h.jobs.startErr = repository.ErrJobAlreadyRunning

	err := h.orchestrator.Run(context.Background(), proAccount(), RunOptions{})
	if !errors.Is(err, ErrJobAlreadyRunning) {
		t.Fatalf("Run() error = %v, want ErrJobAlreadyRunning", err)
	}
}

func TestRun_ZeroNewMessages(t *testing.T) {
	h := newHarness()
	h.client.messages = genEmails(5)
	// 预先入库全部候选
	for _, e := range h.client.messages {
		e.AccountID = 1
		c := model.Classification{Category: model.CategoryBusiness, Confidence: 0.7, Source: model.SourceAI}
		if _, err := h.emails.CreateWithClassification(context.Background(), &e, &c); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.orchestrator.Run(context.Background(), proAccount(), RunOptions{}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if h.jobs.status != model.JobCompleted {
		t.Errorf("status = %q, want completed", h.jobs.status)
	}
	if h.classifier.calls != 0 {
		t.Errorf("classifier calls = %d, want 0", h.classifier.calls)
	}
	if len(h.client.applied) != 0 {
		t.Errorf("labels applied = %d, want 0", len(h.client.applied))
	}
	if len(h.jobs.checkpoints) != 0 {
		t.Errorf("checkpoints = %d, want 0", len(h.jobs.checkpoints))
	}
}

func TestRun_BatchingAndCheckpoints(t *testing.T) {
	h := newHarness()
	h.client.messages = genEmails(23)

	if err := h.orchestrator.Run(context.Background(), proAccount(), RunOptions{}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if h.jobs.totals != [2]int{23, 2} {
		t.Errorf("totals = %v, want [23 2]", h.jobs.totals)
	}
	if len(h.jobs.checkpoints) != 2 {
		t.Fatalf("checkpoints = %d, want 2", len(h.jobs.checkpoints))
	}
	first := h.jobs.checkpoints[0]
	if first.processed != 20 || first.currentBatch != 1 {
		t.Errorf("first checkpoint = %+v, want processed=20 currentBatch=1", first)
	}
	final := h.jobs.checkpoints[1]
	if final.processed != 23 || final.currentBatch != 2 {
		t.Errorf("final checkpoint = %+v, want processed=23 currentBatch=2", final)
	}
	if h.jobs.status != model.JobCompleted {
		t.Errorf("status = %q, want completed", h.jobs.status)
	}
	if _, ok := h.accounts.lastSynced[1]; !ok {
		t.Error("last_synced_at was not updated")
	}
}

func TestRun_FatalClientFailure(t *testing.T) {
	h := newHarness()
	h.clients.err = errors.New("refresh rejected: reauthentication required")

	err := h.orchestrator.Run(context.Background(), proAccount(), RunOptions{})
	if err == nil {
		t.Fatal("Run() expected error")
	}
	if h.jobs.status != model.JobError {
		t.Errorf("status = %q, want error", h.jobs.status)
	}
	if h.jobs.lastError == "" {
		t.Error("lastError is empty, want captured message")
	}
	// 失败前没有任何处理，计数器保持原值
	if len(h.jobs.checkpoints) != 0 {
		t.Errorf("checkpoints = %d, want 0", len(h.jobs.checkpoints))
	}
}

func TestRun_IdempotentRerun(t *testing.T) {
	h := newHarness()
	h.client.messages = genEmails(10)

	if err := h.orchestrator.Run(context.Background(), proAccount(), RunOptions{}); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}

	labelledBefore := make(map[string]bool)
	for id, rec := range h.emails.byRemoteID {
		labelledBefore[id] = rec.classification.Labelled
	}
	classifierCallsBefore := h.classifier.calls

	if err := h.orchestrator.Run(context.Background(), proAccount(), RunOptions{}); err != nil {
		t.Fatalf("second Run() error: %v", err)
	}

	if h.classifier.calls != classifierCallsBefore {
		t.Errorf("classifier called on re-run: %d calls, want %d", h.classifier.calls, classifierCallsBefore)
	}
	if len(h.emails.byRemoteID) != 10 {
		t.Errorf("stored emails = %d, want 10", len(h.emails.byRemoteID))
	}
	for id, rec := range h.emails.byRemoteID {
		if rec.classification.Labelled != labelledBefore[id] {
			t.Errorf("message %s labelled flag changed on re-run", id)
		}
	}
	if h.jobs.status != model.JobCompleted {
		t.Errorf("status = %q, want completed", h.jobs.status)
	}
}

func TestRun_LabelThresholdAndUnknown(t *testing.T) {
	h := newHarness()
	h.client.messages = genEmails(3)
	h.classifier.results = map[string]model.Classification{
		"msg-000": {Category: model.CategoryUrgent, Confidence: 0.9, Source: model.SourceAI},
		"msg-001": {Category: model.CategoryUrgent, Confidence: 0.4, Source: model.SourceAI},
		"msg-002": {Category: model.CategoryUnknown, Confidence: 0.95, Source: model.SourceAI},
	}

	if err := h.orchestrator.Run(context.Background(), proAccount(), RunOptions{}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(h.client.applied) != 1 {
		t.Fatalf("labels applied = %d, want 1", len(h.client.applied))
	}
	if _, ok := h.client.applied["msg-000"]; !ok {
		t.Error("msg-000 above threshold was not labelled")
	}
	if !h.emails.byRemoteID["msg-000"].classification.Labelled {
		t.Error("msg-000 labelled flag not set")
	}
	if h.emails.byRemoteID["msg-001"].classification.Labelled {
		t.Error("msg-001 below threshold must not be labelled")
	}
	if h.emails.byRemoteID["msg-002"].classification.Labelled {
		t.Error("unknown category must never be labelled")
	}

	final := h.jobs.checkpoints[len(h.jobs.checkpoints)-1]
	if final.processed != 3 || final.labelled != 1 {
		t.Errorf("final checkpoint = %+v, want processed=3 labelled=1", final)
	}
}

func TestRun_PerItemFailuresAreAbsorbed(t *testing.T) {
	h := newHarness()
	h.client.messages = genEmails(5)
	h.emails.createErrs["msg-002"] = errors.New("disk full")
	h.client.applyErrs = map[string]error{"msg-004": errors.New("gmail 503")}

	if err := h.orchestrator.Run(context.Background(), proAccount(), RunOptions{}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if h.jobs.status != model.JobCompleted {
		t.Fatalf("status = %q, want completed despite per-item failures", h.jobs.status)
	}
	final := h.jobs.checkpoints[len(h.jobs.checkpoints)-1]
	if final.processed != 4 {
		t.Errorf("processed = %d, want 4", final.processed)
	}
	if final.errors != 1 {
		t.Errorf("errors = %d, want 1", final.errors)
	}
	// label 应用失败不计入 errors，只是不设置 labelled
	if final.labelled != 3 {
		t.Errorf("labelled = %d, want 3", final.labelled)
	}
	if h.emails.byRemoteID["msg-004"].classification.Labelled {
		t.Error("msg-004 labelled flag set despite apply failure")
	}
}

func TestRun_PublishesEvents(t *testing.T) {
	h := newHarness()
	h.client.messages = genEmails(2)

	if err := h.orchestrator.Run(context.Background(), proAccount(), RunOptions{}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	var classified, completed int
	for _, e := range h.publisher.events {
		switch e.routingKey {
		case "triage.email.classified":
			classified++
		case "triage.job.completed":
			completed++
		}
	}
	if classified != 2 {
		t.Errorf("email.classified events = %d, want 2", classified)
	}
	if completed != 1 {
		t.Errorf("job.completed events = %d, want 1", completed)
	}
}

func TestRun_IncrementalQueryBoundsFetch(t *testing.T) {
	h := newHarness()
	lastSync := time.Now().Add(-2 * time.Hour)

	account := proAccount()
	account.LastSyncedAt = &lastSync

	got := h.orchestrator.buildQuery(account, RunOptions{Incremental: true})
	want := fmt.Sprintf("in:inbox after:%d", lastSync.Unix())
	if got != want {
		t.Errorf("buildQuery() = %q, want %q", got, want)
	}

	// 没有同步过的账号退回全量查询
	account.LastSyncedAt = nil
	if got := h.orchestrator.buildQuery(account, RunOptions{Incremental: true}); got != "in:inbox" {
		t.Errorf("buildQuery() = %q, want in:inbox", got)
	}
}

// Package registry is the bounded in-memory store of execution state. The
// orchestrator is its only writer; everyone else reads projections. Entries
// survive until capacity pressure evicts them, so recent executions stay
// queryable after completion.
package registry

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SiphoYawe/mina-sdk/errs"
	"github.com/SiphoYawe/mina-sdk/models"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "registry").Logger()
}

const (
	// Capacity bounds the number of retained executions.
	Capacity = 100

	// terminalEvictionAge is how old a finished execution must be before
	// capacity pressure may drop it.
	terminalEvictionAge = time.Hour
)

// Option configures a Registry.
type Option func(*Registry)

// WithCapacity overrides the default capacity.
func WithCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithClock injects a time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// Registry stores execution state keyed by execution id.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*models.ExecutionState
	capacity int
	clock    func() time.Time
}

// New builds an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:  make(map[string]*models.ExecutionState),
		capacity: Capacity,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create opens an entry for one orchestrator run: status pending, step zero,
// progress zero, one pending StepStatus per quote step. Returns a copy.
func (r *Registry) Create(executionID string, quote *models.Quote) *models.ExecutionState {
	now := r.clock()

	steps := make([]models.StepStatus, len(quote.Steps))
	for i, s := range quote.Steps {
		steps[i] = models.StepStatus{
			StepID:    s.ID,
			Step:      s.Type,
			Status:    models.StepPending,
			Timestamp: now,
		}
	}

	state := &models.ExecutionState{
		ExecutionID:      executionID,
		QuoteID:          quote.ID,
		Status:           models.ExecutionPending,
		Substatus:        models.SubstatusPending,
		CurrentStepIndex: 0,
		TotalSteps:       len(quote.Steps),
		Steps:            steps,
		FromAmount:       quote.FromAmount,
		ToAmount:         quote.ToAmount,
		FromChainID:      quote.FromChainID,
		ToChainID:        quote.ToChainID,
		Progress:         0,
		EstimatedTime:    quote.EstimatedTime,
		FailedStepIndex:  -1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) >= r.capacity {
		r.evictLocked()
	}
	r.entries[executionID] = state
	return cloneState(state)
}

// Update mutates an entry under the registry lock and stamps updatedAt.
// Terminal entries refuse mutation. Progress never moves backwards.
// Returns false when the entry is missing or terminal.
func (r *Registry) Update(executionID string, mutate func(*models.ExecutionState)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[executionID]
	if !ok {
		return false
	}
	if entry.Status.Terminal() {
		return false
	}

	before := entry.Progress
	mutate(entry)
	if entry.Progress < before {
		entry.Progress = before
	}
	if entry.Progress > 100 {
		entry.Progress = 100
	}
	entry.UpdatedAt = r.clock()
	return true
}

// UpdateStep mutates the step with the given id, stamping both the step and
// the entry. Returns false when the entry or step is unknown.
func (r *Registry) UpdateStep(executionID, stepID string, mutate func(*models.StepStatus)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[executionID]
	if !ok {
		return false
	}
	for i := range entry.Steps {
		if entry.Steps[i].StepID != stepID {
			continue
		}
		mutate(&entry.Steps[i])
		now := r.clock()
		entry.Steps[i].Timestamp = now
		entry.UpdatedAt = now
		return true
	}
	return false
}

// Get returns a copy of the entry.
func (r *Registry) Get(executionID string) (*models.ExecutionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[executionID]
	if !ok {
		return nil, false
	}
	return cloneState(entry), true
}

// GetStatus projects an entry for callers. Unknown ids return Found=false
// with zero fields. The projected error's recoverability is recomputed from
// its message, so wallet rejections and fund shortfalls read non-recoverable
// no matter which code produced them.
func (r *Registry) GetStatus(executionID string) models.ExecutionStatusResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[executionID]
	if !ok {
		return models.ExecutionStatusResult{Found: false}
	}

	result := models.ExecutionStatusResult{
		Found:           true,
		ExecutionID:     entry.ExecutionID,
		Status:          entry.Status,
		Substatus:       entry.Substatus,
		Steps:           append([]models.StepStatus(nil), entry.Steps...),
		Progress:        entry.Progress,
		TxHash:          entry.TxHash,
		ReceivingTxHash: entry.ReceivingTxHash,
		CreatedAt:       entry.CreatedAt,
		UpdatedAt:       entry.UpdatedAt,
	}
	if entry.CurrentStepIndex >= 0 && entry.CurrentStepIndex < len(entry.Steps) {
		step := entry.Steps[entry.CurrentStepIndex]
		result.CurrentStep = &step
	}
	if entry.Error != nil {
		projected := *entry.Error
		projected.Recoverable = !errs.NonRecoverableMessage(projected.Message)
		result.Error = &projected
	}
	return result
}

// List returns copies of all entries, most recent first.
func (r *Registry) List() []models.ExecutionState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ExecutionState, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, *cloneState(entry))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Reopen prepares a failed entry for retry: the error moves to
// previousErrors, the retry counter advances and every step resets to
// pending. Completed and unknown entries return false.
func (r *Registry) Reopen(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[executionID]
	if !ok {
		return false
	}
	if entry.Status != models.ExecutionFailed {
		return false
	}

	if entry.Error != nil {
		entry.PreviousErrors = append(entry.PreviousErrors, entry.Error)
	}
	entry.Error = nil
	entry.RetryCount++
	entry.Status = models.ExecutionPending
	entry.Substatus = models.SubstatusPending
	entry.SubstatusMessage = ""
	entry.CurrentStepIndex = 0
	entry.Progress = 0
	entry.FailedStepIndex = -1
	entry.TxHash = ""
	entry.ReceivingTxHash = ""
	entry.ReceivedAmount = ""

	now := r.clock()
	for i := range entry.Steps {
		entry.Steps[i].Status = models.StepPending
		entry.Steps[i].TxHash = ""
		entry.Steps[i].Error = ""
		entry.Steps[i].Timestamp = now
	}
	entry.UpdatedAt = now
	return true
}

// Len reports the number of retained entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear drops every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*models.ExecutionState)
}

// evictLocked makes room for one insertion. Terminal entries older than an
// hour go first; if the registry is still full, the oldest quartile by
// createdAt goes regardless of status.
func (r *Registry) evictLocked() {
	now := r.clock()
	evicted := 0
	for id, entry := range r.entries {
		if entry.Status.Terminal() && now.Sub(entry.CreatedAt) > terminalEvictionAge {
			delete(r.entries, id)
			evicted++
		}
	}
	if len(r.entries) < r.capacity {
		if evicted > 0 {
			log.Debug().Int("evicted", evicted).Msg("Evicted aged terminal executions")
		}
		return
	}

	type aged struct {
		id        string
		createdAt time.Time
	}
	all := make([]aged, 0, len(r.entries))
	for id, entry := range r.entries {
		all = append(all, aged{id: id, createdAt: entry.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].createdAt.Before(all[j].createdAt)
	})

	quartile := r.capacity / 4
	if quartile < 1 {
		quartile = 1
	}
	for i := 0; i < quartile && i < len(all); i++ {
		delete(r.entries, all[i].id)
		evicted++
	}
	log.Debug().Int("evicted", evicted).Int("retained", len(r.entries)).Msg("Evicted oldest executions at capacity")
}

func cloneState(e *models.ExecutionState) *models.ExecutionState {
	c := *e
	c.Steps = append([]models.StepStatus(nil), e.Steps...)
	if e.PreviousErrors != nil {
		c.PreviousErrors = append([]*errs.Error(nil), e.PreviousErrors...)
	}
	return &c
}

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// Default returns the shared process-wide registry, creating it on first use.
// Clients own private instances; this exists for standalone calls and tests.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = New()
	}
	return defaultRegistry
}

// ResetDefault replaces the shared registry with an empty one.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = New()
}

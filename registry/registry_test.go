package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zeebo/assert"

	"github.com/SiphoYawe/mina-sdk/errs"
	"github.com/SiphoYawe/mina-sdk/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func makeQuote(id string, stepIDs ...string) *models.Quote {
	steps := make([]models.Step, len(stepIDs))
	for i, sid := range stepIDs {
		steps[i] = models.Step{
			ID:          sid,
			Type:        models.StepTypeBridge,
			FromChainID: 1,
			ToChainID:   999,
		}
	}
	return &models.Quote{
		ID:            id,
		FromChainID:   1,
		ToChainID:     999,
		FromAmount:    "1000000000",
		ToAmount:      "999500000",
		EstimatedTime: 120,
		Steps:         steps,
	}
}

func TestCreateInitializesPending(t *testing.T) {
	reg := New()
	state := reg.Create("exec-1", makeQuote("q-1", "step-1", "step-2"))

	assert.Equal(t, models.ExecutionPending, state.Status)
	assert.Equal(t, models.SubstatusPending, state.Substatus)
	assert.Equal(t, 0, state.CurrentStepIndex)
	assert.Equal(t, 0, state.Progress)
	assert.Equal(t, 2, state.TotalSteps)
	assert.Equal(t, -1, state.FailedStepIndex)
	assert.Equal(t, "q-1", state.QuoteID)
	assert.Equal(t, 2, len(state.Steps))
	assert.Equal(t, "step-1", state.Steps[0].StepID)
	assert.Equal(t, models.StepPending, state.Steps[0].Status)
	assert.Equal(t, 1, reg.Len())
}

func TestUpdateMutatesAndStamps(t *testing.T) {
	clock := newFakeClock()
	reg := New(WithClock(clock.Now))
	reg.Create("exec-1", makeQuote("q-1", "step-1"))

	clock.Advance(5 * time.Second)
	ok := reg.Update("exec-1", func(e *models.ExecutionState) {
		e.Status = models.ExecutionInProgress
		e.Substatus = models.SubstatusExecuting
		e.Progress = 40
		e.TxHash = "0xabc"
	})
	assert.True(t, ok)

	state, found := reg.Get("exec-1")
	assert.True(t, found)
	assert.Equal(t, models.ExecutionInProgress, state.Status)
	assert.Equal(t, 40, state.Progress)
	assert.Equal(t, "0xabc", state.TxHash)
	assert.True(t, state.UpdatedAt.After(state.CreatedAt))
}

func TestUpdateUnknownExecution(t *testing.T) {
	reg := New()
	assert.False(t, reg.Update("nope", func(e *models.ExecutionState) {}))
}

func TestUpdateTerminalRefused(t *testing.T) {
	reg := New()
	reg.Create("exec-1", makeQuote("q-1", "step-1"))
	reg.Update("exec-1", func(e *models.ExecutionState) {
		e.Status = models.ExecutionCompleted
		e.Progress = 100
	})

	ok := reg.Update("exec-1", func(e *models.ExecutionState) {
		e.TxHash = "0xshould-not-land"
	})
	assert.False(t, ok)

	state, _ := reg.Get("exec-1")
	assert.Equal(t, "", state.TxHash)
	assert.Equal(t, models.ExecutionCompleted, state.Status)
}

func TestProgressNeverMovesBackwards(t *testing.T) {
	reg := New()
	reg.Create("exec-1", makeQuote("q-1", "step-1"))

	reg.Update("exec-1", func(e *models.ExecutionState) { e.Progress = 60 })
	reg.Update("exec-1", func(e *models.ExecutionState) { e.Progress = 30 })

	state, _ := reg.Get("exec-1")
	assert.Equal(t, 60, state.Progress)

	reg.Update("exec-1", func(e *models.ExecutionState) { e.Progress = 150 })
	state, _ = reg.Get("exec-1")
	assert.Equal(t, 100, state.Progress)
}

func TestUpdateStep(t *testing.T) {
	reg := New()
	reg.Create("exec-1", makeQuote("q-1", "step-1", "step-2"))

	ok := reg.UpdateStep("exec-1", "step-2", func(s *models.StepStatus) {
		s.Status = models.StepActive
		s.TxHash = "0xstep"
	})
	assert.True(t, ok)

	state, _ := reg.Get("exec-1")
	assert.Equal(t, models.StepActive, state.Steps[1].Status)
	assert.Equal(t, "0xstep", state.Steps[1].TxHash)
	assert.Equal(t, models.StepPending, state.Steps[0].Status)

	assert.False(t, reg.UpdateStep("exec-1", "step-9", func(s *models.StepStatus) {}))
	assert.False(t, reg.UpdateStep("exec-9", "step-1", func(s *models.StepStatus) {}))
}

func TestGetStatusProjection(t *testing.T) {
	reg := New()
	reg.Create("exec-1", makeQuote("q-1", "step-1", "step-2"))
	reg.Update("exec-1", func(e *models.ExecutionState) {
		e.Status = models.ExecutionInProgress
		e.Substatus = models.SubstatusBridging
		e.CurrentStepIndex = 1
		e.Progress = 75
		e.TxHash = "0xsend"
		e.ReceivingTxHash = "0xrecv"
	})

	status := reg.GetStatus("exec-1")
	assert.True(t, status.Found)
	assert.Equal(t, "exec-1", status.ExecutionID)
	assert.Equal(t, models.ExecutionInProgress, status.Status)
	assert.Equal(t, models.SubstatusBridging, status.Substatus)
	assert.Equal(t, 75, status.Progress)
	assert.Equal(t, "0xsend", status.TxHash)
	assert.Equal(t, "0xrecv", status.ReceivingTxHash)
	assert.NotNil(t, status.CurrentStep)
	assert.Equal(t, "step-2", status.CurrentStep.StepID)
	assert.Equal(t, 2, len(status.Steps))
}

func TestGetStatusUnknown(t *testing.T) {
	reg := New()
	status := reg.GetStatus("missing")
	assert.False(t, status.Found)
	assert.Equal(t, "", status.ExecutionID)
	assert.Nil(t, status.CurrentStep)
}

func TestGetStatusRecomputesRecoverability(t *testing.T) {
	reg := New()
	reg.Create("exec-1", makeQuote("q-1", "step-1"))
	reg.Update("exec-1", func(e *models.ExecutionState) {
		// NetworkError defaults to recoverable, but the message says the
		// wallet said no.
		e.Error = errs.New(errs.CodeNetworkError, "User rejected the request in wallet")
	})

	status := reg.GetStatus("exec-1")
	assert.NotNil(t, status.Error)
	assert.False(t, status.Error.Recoverable)

	reg.Create("exec-2", makeQuote("q-2", "step-1"))
	reg.Update("exec-2", func(e *models.ExecutionState) {
		// QuoteExpired defaults to non-recoverable; the message has no
		// poison tokens so the projection flips it.
		e.Error = errs.New(errs.CodeQuoteExpired, "quote lapsed before signing")
	})

	status = reg.GetStatus("exec-2")
	assert.NotNil(t, status.Error)
	assert.True(t, status.Error.Recoverable)

	// The stored entry is untouched by projection.
	state, _ := reg.Get("exec-2")
	assert.False(t, state.Error.Recoverable)
}

func TestListNewestFirst(t *testing.T) {
	clock := newFakeClock()
	reg := New(WithClock(clock.Now))

	for i := 1; i <= 3; i++ {
		reg.Create(fmt.Sprintf("exec-%d", i), makeQuote(fmt.Sprintf("q-%d", i), "step-1"))
		clock.Advance(time.Minute)
	}

	list := reg.List()
	assert.Equal(t, 3, len(list))
	assert.Equal(t, "exec-3", list[0].ExecutionID)
	assert.Equal(t, "exec-2", list[1].ExecutionID)
	assert.Equal(t, "exec-1", list[2].ExecutionID)
}

func TestReopenFailedExecution(t *testing.T) {
	reg := New()
	reg.Create("exec-1", makeQuote("q-1", "step-1", "step-2"))
	reg.Update("exec-1", func(e *models.ExecutionState) {
		e.Status = models.ExecutionFailed
		e.Substatus = models.SubstatusFailed
		e.Progress = 50
		e.FailedStepIndex = 1
		e.Error = errs.New(errs.CodeTransactionFailed, "bridge reverted")
		e.Steps[0].Status = models.StepCompleted
		e.Steps[0].TxHash = "0xold"
		e.Steps[1].Status = models.StepFailed
		e.Steps[1].Error = "bridge reverted"
	})

	assert.True(t, reg.Reopen("exec-1"))

	state, _ := reg.Get("exec-1")
	assert.Equal(t, models.ExecutionPending, state.Status)
	assert.Equal(t, 1, state.RetryCount)
	assert.Nil(t, state.Error)
	assert.Equal(t, 1, len(state.PreviousErrors))
	assert.Equal(t, 0, state.Progress)
	assert.Equal(t, -1, state.FailedStepIndex)
	for _, s := range state.Steps {
		assert.Equal(t, models.StepPending, s.Status)
		assert.Equal(t, "", s.TxHash)
		assert.Equal(t, "", s.Error)
	}

	// Reopened entries accept updates again.
	assert.True(t, reg.Update("exec-1", func(e *models.ExecutionState) {
		e.Status = models.ExecutionInProgress
	}))
}

func TestReopenRefusesCompletedAndUnknown(t *testing.T) {
	reg := New()
	reg.Create("exec-1", makeQuote("q-1", "step-1"))
	reg.Update("exec-1", func(e *models.ExecutionState) {
		e.Status = models.ExecutionCompleted
	})

	assert.False(t, reg.Reopen("exec-1"))
	assert.False(t, reg.Reopen("missing"))
}

func TestEvictionPrefersAgedTerminal(t *testing.T) {
	clock := newFakeClock()
	reg := New(WithCapacity(4), WithClock(clock.Now))

	for i := 1; i <= 4; i++ {
		reg.Create(fmt.Sprintf("exec-%d", i), makeQuote("q", "step-1"))
	}
	reg.Update("exec-1", func(e *models.ExecutionState) { e.Status = models.ExecutionCompleted })
	reg.Update("exec-2", func(e *models.ExecutionState) { e.Status = models.ExecutionFailed })

	clock.Advance(2 * time.Hour)
	reg.Create("exec-5", makeQuote("q", "step-1"))

	assert.Equal(t, 3, reg.Len())
	_, found := reg.Get("exec-1")
	assert.False(t, found)
	_, found = reg.Get("exec-2")
	assert.False(t, found)
	_, found = reg.Get("exec-3")
	assert.True(t, found)
	_, found = reg.Get("exec-4")
	assert.True(t, found)
	_, found = reg.Get("exec-5")
	assert.True(t, found)
}

func TestEvictionQuartileFallback(t *testing.T) {
	clock := newFakeClock()
	reg := New(WithCapacity(8), WithClock(clock.Now))

	for i := 1; i <= 8; i++ {
		reg.Create(fmt.Sprintf("exec-%d", i), makeQuote("q", "step-1"))
		clock.Advance(time.Minute)
	}

	// Nothing is terminal, so the oldest quartile (2 of 8) goes.
	reg.Create("exec-9", makeQuote("q", "step-1"))

	assert.Equal(t, 7, reg.Len())
	_, found := reg.Get("exec-1")
	assert.False(t, found)
	_, found = reg.Get("exec-2")
	assert.False(t, found)
	_, found = reg.Get("exec-3")
	assert.True(t, found)
	_, found = reg.Get("exec-9")
	assert.True(t, found)
}

func TestGetReturnsCopies(t *testing.T) {
	reg := New()
	reg.Create("exec-1", makeQuote("q-1", "step-1"))

	state, _ := reg.Get("exec-1")
	state.Steps[0].Status = models.StepFailed
	state.Progress = 99

	fresh, _ := reg.Get("exec-1")
	assert.Equal(t, models.StepPending, fresh.Steps[0].Status)
	assert.Equal(t, 0, fresh.Progress)
}

func TestClearAndDefault(t *testing.T) {
	reg := New()
	reg.Create("exec-1", makeQuote("q-1", "step-1"))
	reg.Clear()
	assert.Equal(t, 0, reg.Len())

	ResetDefault()
	Default().Create("exec-shared", makeQuote("q-1", "step-1"))
	assert.Equal(t, 1, Default().Len())
	ResetDefault()
	assert.Equal(t, 0, Default().Len())
}

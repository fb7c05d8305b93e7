package hypercore

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/SiphoYawe/mina-sdk/errs"
	"github.com/SiphoYawe/mina-sdk/models"
)

// Monitor defaults. The soft timeout only warns; the hard timeout stops
// the monitor for good.
const (
	DefaultMonitorInterval = 5 * time.Second
	DefaultSoftTimeout     = 2 * time.Minute
	DefaultHardTimeout     = 30 * time.Minute
)

// MonitorState describes where a monitor is in its lifecycle.
type MonitorState string

const (
	StateMonitoring MonitorState = "monitoring"
	StateConfirmed  MonitorState = "confirmed"
	StateCancelled  MonitorState = "cancelled"
	StateTimedOut   MonitorState = "timed_out"
)

// MonitorOptions tune a single confirmation watch.
type MonitorOptions struct {
	// ExpectedAmount is the credit to watch for, in smallest units. Required.
	ExpectedAmount *big.Int

	// TxHash is the source-chain transaction that funded the deposit. It is
	// carried into the confirmation result untouched.
	TxHash string

	// InitialBalance seeds the baseline. When nil the first successful poll
	// becomes the baseline, which can miss credits that land before it.
	InitialBalance *big.Int

	Interval    time.Duration
	SoftTimeout time.Duration
	HardTimeout time.Duration

	// OnWarning fires once when the soft timeout elapses without a
	// confirmation. ExtendTimeout re-arms it.
	OnWarning func(elapsed time.Duration)
}

// Confirmation is the outcome of a completed watch.
type Confirmation struct {
	Confirmed        bool
	Amount           *big.Int
	FinalBalance     *big.Int
	TxHash           string
	ConfirmationTime time.Duration
	Timestamp        time.Time
}

// MonitorStatus is a point-in-time snapshot for callers polling progress.
type MonitorStatus struct {
	State       MonitorState
	Checking    bool
	Elapsed     time.Duration
	LastBalance *big.Int
	Warned      bool
}

// Monitor watches a wallet's ledger value until the expected credit lands,
// the caller cancels, or the hard timeout expires.
type Monitor struct {
	client *Client
	wallet string
	opts   MonitorOptions

	mu           sync.Mutex
	state        MonitorState
	baseline     *big.Int
	lastValue    *big.Int
	started      time.Time
	softDeadline time.Time
	hardDeadline time.Time
	warned       bool

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
	result     *Confirmation
	err        error
}

// MonitorConfirmation starts watching the wallet's ledger value for the
// expected credit. The monitor polls in the background until it reaches a
// terminal state; Wait blocks for the outcome.
func (c *Client) MonitorConfirmation(ctx context.Context, wallet string, opts MonitorOptions) (*Monitor, error) {
	normalized, ok := models.NormalizeAddress(wallet)
	if !ok {
		return nil, errs.Newf(errs.CodeInvalidAddress, "invalid wallet address %q", wallet)
	}
	if opts.ExpectedAmount == nil || opts.ExpectedAmount.Sign() <= 0 {
		return nil, errs.New(errs.CodeInvalidQuoteParams, "expected amount must be positive")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultMonitorInterval
	}
	if opts.SoftTimeout <= 0 {
		opts.SoftTimeout = DefaultSoftTimeout
	}
	if opts.HardTimeout <= 0 {
		opts.HardTimeout = DefaultHardTimeout
	}

	now := time.Now()
	m := &Monitor{
		client:       c,
		wallet:       normalized,
		opts:         opts,
		state:        StateMonitoring,
		started:      now,
		softDeadline: now.Add(opts.SoftTimeout),
		hardDeadline: now.Add(opts.HardTimeout),
		cancelCh:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	if opts.InitialBalance != nil {
		m.baseline = new(big.Int).Set(opts.InitialBalance)
	}

	go m.run(ctx)
	return m, nil
}

// Wait blocks until the monitor reaches a terminal state or ctx is done.
func (m *Monitor) Wait(ctx context.Context) (*Confirmation, error) {
	select {
	case <-m.done:
		return m.result, m.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops the monitor. The pending Wait returns an L1MonitorCancelled
// error with reason "cancelled". Safe to call more than once.
func (m *Monitor) Cancel() {
	m.cancelOnce.Do(func() {
		close(m.cancelCh)
	})
}

// ExtendTimeout pushes the soft deadline out by d and re-arms the warning.
// The hard deadline never moves.
func (m *Monitor) ExtendTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.softDeadline = m.softDeadline.Add(d)
	m.warned = false
}

// Status reports a live snapshot. Checking stays true for as long as the
// monitor is running.
func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *big.Int
	if m.lastValue != nil {
		last = new(big.Int).Set(m.lastValue)
	}
	return MonitorStatus{
		State:       m.state,
		Checking:    m.state == StateMonitoring,
		Elapsed:     time.Since(m.started),
		LastBalance: last,
		Warned:      m.warned,
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		if done := m.poll(ctx); done {
			return
		}

		m.checkSoftTimeout()

		if time.Now().After(m.hardDeadline) {
			m.finish(StateTimedOut, nil, errs.New(errs.CodeL1MonitorCancelled, "confirmation not observed before hard timeout").
				WithDetail("reason", "max_timeout").
				WithDetail("elapsed", time.Since(m.started).String()))
			return
		}

		select {
		case <-ctx.Done():
			m.finish(StateCancelled, nil, errs.Wrap(errs.CodeL1MonitorCancelled, "monitor context cancelled", ctx.Err()).
				WithDetail("reason", "cancelled"))
			return
		case <-m.cancelCh:
			m.finish(StateCancelled, nil, errs.New(errs.CodeL1MonitorCancelled, "monitor cancelled by caller").
				WithDetail("reason", "cancelled"))
			return
		case <-ticker.C:
		}
	}
}

// poll reads the ledger once. Errors are logged and skipped; the monitor
// keeps polling until a deadline says otherwise.
func (m *Monitor) poll(ctx context.Context) bool {
	value, err := m.client.AccountValue(ctx, m.wallet)
	if err != nil {
		log.Debug().Err(err).Str("wallet", m.wallet).Msg("ledger poll failed, will retry")
		return false
	}

	m.mu.Lock()
	if m.baseline == nil {
		m.baseline = new(big.Int).Set(value)
		log.Debug().Str("wallet", m.wallet).Str("baseline", value.String()).Msg("ledger baseline captured")
	}
	if m.lastValue != nil && value.Cmp(m.lastValue) < 0 {
		// Trading activity can move the value down mid-watch. Not a failure.
		log.Info().
			Str("wallet", m.wallet).
			Str("previous", m.lastValue.String()).
			Str("current", value.String()).
			Msg("ledger value decreased while monitoring")
	}
	m.lastValue = new(big.Int).Set(value)

	delta := new(big.Int).Sub(value, m.baseline)
	threshold := new(big.Int).Mul(m.opts.ExpectedAmount, big.NewInt(99))
	threshold.Div(threshold, big.NewInt(100))
	if threshold.Sign() == 0 {
		// Tiny expected amounts floor to a one-unit credit.
		threshold.SetInt64(1)
	}
	confirmed := delta.Cmp(threshold) >= 0
	m.mu.Unlock()

	if !confirmed {
		return false
	}

	m.finish(StateConfirmed, &Confirmation{
		Confirmed:        true,
		Amount:           delta,
		FinalBalance:     value,
		TxHash:           m.opts.TxHash,
		ConfirmationTime: time.Since(m.started),
		Timestamp:        time.Now(),
	}, nil)
	return true
}

func (m *Monitor) checkSoftTimeout() {
	m.mu.Lock()
	fire := !m.warned && time.Now().After(m.softDeadline)
	if fire {
		m.warned = true
	}
	elapsed := time.Since(m.started)
	cb := m.opts.OnWarning
	m.mu.Unlock()

	if !fire {
		return
	}
	log.Warn().
		Str("wallet", m.wallet).
		Dur("elapsed", elapsed).
		Msg("ledger confirmation is taking longer than expected")
	if cb != nil {
		cb(elapsed)
	}
}

func (m *Monitor) finish(state MonitorState, result *Confirmation, err error) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.result = result
	m.err = err
}

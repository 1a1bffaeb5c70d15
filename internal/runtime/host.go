// Package runtime hosts running strategies. Each deployed strategy gets a
// slot owning one worker goroutine that executes ticks sequentially: parse
// the program once at start, evaluate it against the capability surface,
// then sleep until the interval the tick scheduled. Crashes are isolated to
// their own slot; the rest of the host keeps ticking.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"trad-core/internal/config"
	"trad-core/internal/ledger"
	"trad-core/internal/metrics"
	"trad-core/internal/script"
	"trad-core/pkg/types"
)

// MarketData is the subgraph read surface the capability consumes.
type MarketData interface {
	ListCoins(ctx context.Context, sort string, limit, offset int) ([]types.Coin, error)
	GetCoin(ctx context.Context, pair string) (*types.Coin, error)
	ListTrades(ctx context.Context, pair string, limit int) ([]types.CoinTrade, error)
	FetchMetadata(ctx context.Context, uri string) (map[string]any, error)
}

// ChainReader is the slice of the chain backend the capability reads from.
type ChainReader interface {
	Reserves(ctx context.Context, pair common.Address) (*big.Int, *big.Int, error)
	TokenOf(ctx context.Context, pair common.Address) (common.Address, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// CapitalSampler is implemented by chain backends that can report a user's
// custody balance; it feeds the run's initial-capital sample.
type CapitalSampler interface {
	CustodyBalance(ctx context.Context, user common.Address) (*big.Int, error)
}

// Trader is the slice of the executor the runtime drives.
type Trader interface {
	Execute(ctx context.Context, venue, runID string, intent types.TradeIntent) (*types.Receipt, error)
	SelectModeForRun(venue string) (types.ExecMode, string)
	ForgetRun(runID string)
}

// Event is a lifecycle or log notification for the dashboard stream.
type Event struct {
	Type       string         `json:"type"` // started | stopped | errored | log
	StrategyID string         `json:"strategy_id"`
	RunID      string         `json:"run_id"`
	Line       *types.LogLine `json:"line,omitempty"`
}

// runSlot is one live strategy: its parsed program, capability binding,
// and worker signalling.
type runSlot struct {
	strategyID string
	runID      string
	prog       *script.Program
	params     map[string]script.Value
	cap        *capability

	stop      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

// RuntimeHost owns all live runs. It is the single process-wide value the
// embedding process starts, stops and queries; there are no package-level
// runtime globals.
type RuntimeHost struct {
	ledger *ledger.Ledger
	trader Trader
	market MarketData
	chain  ChainReader
	logger *slog.Logger
	limits *limits

	dryRun          bool
	ethUsd          float64
	subgraphTimeout time.Duration
	maxParallel     int
	logLines        int
	maxSteps        int

	slots   map[string]*runSlot
	slotsMu sync.Mutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	sinkMu sync.Mutex
	sink   func(Event)
}

// New wires a host. Start/ResumeAll begin scheduling; Shutdown stops all
// workers without closing open runs, so they resume on the next boot.
func New(cfg *config.Config, led *ledger.Ledger, trader Trader, market MarketData, chain ChainReader, logger *slog.Logger) *RuntimeHost {
	ctx, cancel := context.WithCancel(context.Background())
	return &RuntimeHost{
		ledger:          led,
		trader:          trader,
		market:          market,
		chain:           chain,
		logger:          logger.With("component", "runtime"),
		limits:          newLimits(),
		dryRun:          cfg.DryRun,
		ethUsd:          cfg.Chain.EthUsdPrice,
		subgraphTimeout: cfg.Subgraph.Timeout,
		maxParallel:     cfg.Subgraph.MaxParallel,
		logLines:        cfg.Runtime.LogBufferLines,
		maxSteps:        cfg.Runtime.MaxTickSteps,
		slots:           make(map[string]*runSlot),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// SetEventSink registers the dashboard stream callback. Must be set before
// the first Start to observe everything.
func (h *RuntimeHost) SetEventSink(sink func(Event)) {
	h.sinkMu.Lock()
	h.sink = sink
	h.sinkMu.Unlock()
}

func (h *RuntimeHost) emit(ev Event) {
	h.sinkMu.Lock()
	sink := h.sink
	h.sinkMu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// Start deploys a strategy: parses its program, coerces parameters, opens
// (or re-attaches to) its run, marks it active and fires the first tick
// immediately. A strategy already running here is an error.
func (h *RuntimeHost) Start(strategyID string) error {
	h.slotsMu.Lock()
	if _, ok := h.slots[strategyID]; ok {
		h.slotsMu.Unlock()
		return fmt.Errorf("strategy %s is already running", strategyID)
	}
	h.slotsMu.Unlock()

	strat, err := h.ledger.GetStrategy(strategyID)
	if err != nil {
		return err
	}
	if strat.Source == "" {
		return fmt.Errorf("strategy %s has no code", strategyID)
	}

	prog, err := script.Parse(strat.Source)
	if err != nil {
		return fmt.Errorf("parse strategy: %w", err)
	}
	params, err := script.CoerceParams(prog.Params, strat.Params)
	if err != nil {
		return err
	}

	mode, wallet := h.trader.SelectModeForRun(strat.Venue)

	// Re-attach to a run left open by a previous process; otherwise open a
	// fresh one.
	run, err := h.ledger.ActiveRun(strategyID)
	if err != nil {
		return err
	}
	if run == nil {
		run = &types.Run{
			StrategyID:     strategyID,
			InitialCapital: h.sampleCapital(mode, wallet),
			Mode:           mode,
			DryRun:         h.dryRun,
		}
		if mode == types.ModeDelegate {
			run.UserAddress = wallet
		}
		if err := h.ledger.OpenRun(run); err != nil {
			return err
		}
	}
	if err := h.ledger.SetStrategyStatus(strategyID, types.StatusActive); err != nil {
		return err
	}

	slot := &runSlot{
		strategyID: strategyID,
		runID:      run.ID,
		prog:       prog,
		params:     params,
		stop:       make(chan struct{}),
	}
	slot.cap = &capability{
		host:   h,
		runID:  run.ID,
		venue:  strat.Venue,
		wallet: common.HexToAddress(wallet),
		sem:    make(chan struct{}, h.maxParallel),
	}
	slot.cap.buf = newLogBuffer(h.logLines, func(line types.LogLine) {
		l := line
		h.emit(Event{Type: "log", StrategyID: strategyID, RunID: run.ID, Line: &l})
	})

	h.slotsMu.Lock()
	if _, ok := h.slots[strategyID]; ok {
		h.slotsMu.Unlock()
		return fmt.Errorf("strategy %s is already running", strategyID)
	}
	h.slots[strategyID] = slot
	h.slotsMu.Unlock()

	metrics.RunsActive.Inc()
	h.logger.Info("strategy started", "strategy", strategyID, "run", run.ID, "mode", mode)
	h.emit(Event{Type: "started", StrategyID: strategyID, RunID: run.ID})

	h.wg.Add(1)
	go h.loop(slot)
	return nil
}

// Stop halts a strategy: disarms the next tick, closes the run and marks
// the strategy paused. An in-flight tick is not interrupted; it completes
// and then the worker exits. Stop is idempotent, and a stop for a strategy
// that is not running is a no-op.
func (h *RuntimeHost) Stop(strategyID string) error {
	h.slotsMu.Lock()
	slot, ok := h.slots[strategyID]
	h.slotsMu.Unlock()
	if !ok {
		return nil
	}

	slot.stopOnce.Do(func() { close(slot.stop) })
	h.teardown(slot, types.StatusPaused, "stopped by user", types.LogInfo)
	return nil
}

// ResumeAll starts every strategy persisted as active. Called once at boot.
func (h *RuntimeHost) ResumeAll() {
	strategies, err := h.ledger.ListStrategies()
	if err != nil {
		h.logger.Error("resume: list strategies", "error", err)
		return
	}
	for _, s := range strategies {
		if s.Status != types.StatusActive {
			continue
		}
		if err := h.Start(s.ID); err != nil {
			h.logger.Error("resume failed", "strategy", s.ID, "error", err)
			if err := h.ledger.SetStrategyStatus(s.ID, types.StatusError); err != nil {
				h.logger.Error("mark errored", "strategy", s.ID, "error", err)
			}
		}
	}
}

// Shutdown stops all workers without closing their runs: persisted state
// stays `active` so ResumeAll picks the strategies back up on next boot.
func (h *RuntimeHost) Shutdown() {
	h.cancel()
	h.wg.Wait()
}

// Running lists the strategy IDs with a live slot.
func (h *RuntimeHost) Running() []string {
	h.slotsMu.Lock()
	defer h.slotsMu.Unlock()
	out := make([]string, 0, len(h.slots))
	for id := range h.slots {
		out = append(out, id)
	}
	return out
}

// IsRunning reports whether the strategy has a live slot.
func (h *RuntimeHost) IsRunning(strategyID string) bool {
	h.slotsMu.Lock()
	defer h.slotsMu.Unlock()
	_, ok := h.slots[strategyID]
	return ok
}

// Logs returns the rolling log buffer of a running strategy, oldest first.
// Strategies without a live slot have no buffer.
func (h *RuntimeHost) Logs(strategyID string) []types.LogLine {
	h.slotsMu.Lock()
	slot, ok := h.slots[strategyID]
	h.slotsMu.Unlock()
	if !ok {
		return nil
	}
	return slot.cap.buf.snapshot()
}

// loop is the per-run worker: tick, then sleep until the scheduled
// interval, until the run ends, errors, or the host shuts down.
func (h *RuntimeHost) loop(s *runSlot) {
	defer h.wg.Done()
	for {
		s.cap.resetTick()
		err := h.tick(s)
		if h.ctx.Err() != nil {
			// Shutting down: leave the run open for boot resumption.
			return
		}
		if err != nil {
			metrics.TickErrors.Inc()
			h.logger.Error("tick failed", "strategy", s.strategyID, "run", s.runID, "error", err)
			h.teardown(s, types.StatusError, "tick failed: "+err.Error(), types.LogError)
			return
		}

		interval, done := s.cap.nextInterval()
		if done {
			h.teardown(s, types.StatusPaused, "run complete", types.LogInfo)
			return
		}

		select {
		case <-time.After(interval):
		case <-s.stop:
			return
		case <-h.ctx.Done():
			return
		}
		select {
		case <-s.stop:
			return
		default:
		}
	}
}

// tick executes one evaluation of the program. A panic anywhere below the
// interpreter is contained here and reported as the tick's error.
func (h *RuntimeHost) tick(s *runSlot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.NewTradeError(types.KindUserCodeError, "tick panic: %v", r)
		}
	}()
	metrics.TicksTotal.Inc()
	return s.prog.Run(h.ctx, s.cap, s.params, h.maxSteps)
}

// teardown closes the run exactly once: final log line, ledger close,
// status transition, slot removal.
func (h *RuntimeHost) teardown(s *runSlot, status types.StrategyStatus, finalLine string, level types.LogLevel) {
	s.closeOnce.Do(func() {
		if finalLine != "" && level != "" {
			s.cap.buf.append(level, finalLine)
		}
		if err := h.ledger.CloseRun(s.runID); err != nil {
			h.logger.Error("close run", "run", s.runID, "error", err)
		}
		if err := h.ledger.SetStrategyStatus(s.strategyID, status); err != nil {
			h.logger.Error("set status", "strategy", s.strategyID, "error", err)
		}
		h.trader.ForgetRun(s.runID)

		h.slotsMu.Lock()
		delete(h.slots, s.strategyID)
		h.slotsMu.Unlock()

		metrics.RunsActive.Dec()
		evType := "stopped"
		if status == types.StatusError {
			evType = "errored"
		}
		h.logger.Info("strategy "+evType, "strategy", s.strategyID, "run", s.runID)
		h.emit(Event{Type: evType, StrategyID: s.strategyID, RunID: s.runID})
	})
}

// sampleCapital reads the spendable balance backing a new run. Only custody
// balances are observable; everything else samples as zero.
func (h *RuntimeHost) sampleCapital(mode types.ExecMode, wallet string) string {
	if mode != types.ModeDelegate || wallet == "" {
		return "0"
	}
	sampler, ok := h.chain.(CapitalSampler)
	if !ok {
		return "0"
	}
	ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
	defer cancel()
	bal, err := sampler.CustodyBalance(ctx, common.HexToAddress(wallet))
	if err != nil {
		h.logger.Warn("sample capital", "error", err)
		return "0"
	}
	return decimal.NewFromBigInt(bal, -18).String()
}

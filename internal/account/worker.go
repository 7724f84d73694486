package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/risk"
)

// Notifier delivers operational alerts. Implementations decide transport and
// filtering; a nil Notifier disables alerts.
type Notifier interface {
	Send(ctx context.Context, event, message string) error
}

// Alert event names emitted by account workers.
const (
	EventCircuitOpen     = "circuit_open"
	EventPermissionError = "permission_error"
	EventUnsellable      = "unsellable"
	EventEmergencyExit   = "emergency_exit"
	EventLiquidation     = "liquidation"
)

// WorkerOptions tunes one account worker's evaluation cycle.
type WorkerOptions struct {
	// Symbols the worker considers for entries.
	Symbols []string
	// Policy is handed to the risk governor each evaluation.
	Policy risk.Policy
	// MaxPositions caps simultaneously open positions for the account.
	MaxPositions int
	// ImportBoundPct sets the defensive stop distance for imported holdings.
	ImportBoundPct float64
	// UnsellableCooldown is how long a position rests after exit attempts
	// exhaust their retries.
	UnsellableCooldown time.Duration
	// EntrySizeUSD is the quote notional for strategy entries lacking a size.
	EntrySizeUSD float64
	// StopLossPct and TakeProfitPct derive thresholds for entry signals that
	// do not carry their own.
	StopLossPct   float64
	TakeProfitPct float64
	// EvalInterval is the cycle cadence.
	EvalInterval time.Duration
	// PriceStaleMax rejects cached prices older than this; the broker's own
	// position marks are used instead.
	PriceStaleMax time.Duration
}

// Worker runs the evaluation loop for one account: it adopts unmanaged
// exchange holdings, asks the risk governor about every open position, routes
// exits through the execution coordinator, enforces the position cap, and
// consumes entry signals. All account-local state is owned by this single
// goroutine; the coordinator's submission lock is the only cross-goroutine
// serialization point.
type Worker struct {
	rt      *Runtime
	prices  domain.PriceCache
	signals domain.SignalGenerator
	alerts  Notifier
	opts    WorkerOptions
	logger  *slog.Logger
}

// NewWorker wires a worker to a connected runtime. signals and alerts may be
// nil.
func NewWorker(rt *Runtime, prices domain.PriceCache, signals domain.SignalGenerator, alerts Notifier, opts WorkerOptions, logger *slog.Logger) *Worker {
	if opts.EvalInterval <= 0 {
		opts.EvalInterval = 15 * time.Second
	}
	return &Worker{
		rt:      rt,
		prices:  prices,
		signals: signals,
		alerts:  alerts,
		opts:    opts,
		logger: logger.With(
			slog.String("component", "worker"),
			slog.String("account", rt.Account().ID),
		),
	}
}

// Run executes evaluation cycles until the context is cancelled. The first
// cycle runs immediately. An in-flight exit submission is allowed to finish
// before Run returns, so a shutdown never loses track of whether an exit
// order filled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", slog.Duration("interval", w.opts.EvalInterval))
	defer w.logger.Info("worker stopped")

	ticker := time.NewTicker(w.opts.EvalInterval)
	defer ticker.Stop()

	w.evalCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.evalCycle(ctx)
		}
	}
}

// evalCycle runs one full pass: import, evaluate, cap, entries.
func (w *Worker) evalCycle(ctx context.Context) {
	now := time.Now().UTC()
	book := w.rt.Ledger

	w.reconcilePending(ctx)

	holdings := w.fetchHoldings(ctx)
	w.importUnmanaged(ctx, holdings)

	// Evaluate every open position against the freshest price available.
	for _, pos := range book.AllOpen() {
		if ctx.Err() != nil {
			return
		}
		if !pos.Sellable(now) {
			continue
		}
		price := w.priceFor(ctx, pos.Symbol, holdings, now)
		if price <= 0 {
			w.logger.Debug("no price available, holding",
				slog.String("symbol", pos.Symbol),
			)
			continue
		}

		var decision domain.ExitReason
		err := book.Update(ctx, pos.Symbol, func(p *domain.Position) {
			if p.Status == domain.PositionUnsellable {
				// Cooldown elapsed; back into normal rotation.
				p.Status = domain.PositionOpen
				p.UnsellableUntil = nil
			}
			decision = risk.Evaluate(p, price, w.opts.Policy, now)
		})
		if err != nil {
			w.logger.Warn("position update failed",
				slog.String("symbol", pos.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		if decision.IsExit() {
			if err := w.exit(ctx, pos.Symbol, price, decision); err != nil {
				w.logger.Warn("exit failed",
					slog.String("symbol", pos.Symbol),
					slog.String("reason", string(decision)),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	// Account-level cap: keep the largest bets, liquidate the smallest first.
	if w.opts.MaxPositions > 0 {
		_, excess := risk.EnforcePositionCap(book.AllOpen(), w.opts.MaxPositions)
		for _, pos := range excess {
			price := w.priceFor(ctx, pos.Symbol, holdings, now)
			if err := w.exit(ctx, pos.Symbol, price, domain.ExitPositionCap); err != nil {
				w.logger.Warn("cap liquidation failed",
					slog.String("symbol", pos.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	w.evaluateEntries(ctx)
}

// reconcilePending resolves positions stuck in EXIT_PENDING. A position is
// recovered in that state when the process died between handing an exit to
// the venue and recording its outcome, or when recording the fill failed.
// The venue is asked what became of the order: a fill closes the position
// at the venue's price, anything else puts it back into evaluation. Until
// reconciled the position stays pending, so capital is never silently
// dropped from management.
func (w *Worker) reconcilePending(ctx context.Context) {
	book := w.rt.Ledger
	for _, pos := range book.AllOpen() {
		if pos.Status != domain.PositionExitPending {
			continue
		}

		if pos.PendingOrderID == "" {
			// No order identity was ever recorded; nothing can have reached
			// the venue under a key we could check.
			if err := book.MarkOpen(ctx, pos.Symbol); err != nil {
				w.logger.Warn("reopen of unidentified pending exit failed",
					slog.String("symbol", pos.Symbol),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		res, err := w.rt.Broker.GetOrderByClientID(ctx, pos.PendingOrderID)
		switch {
		case err == nil && res.Filled():
			fillPrice := pos.EntryPrice
			if res.FilledSize > 0 && res.FilledValue > 0 {
				fillPrice = res.FilledValue / res.FilledSize
			}
			if err := book.Close(ctx, pos.Symbol, fillPrice, domain.ExitReconciled); err != nil {
				w.logger.Warn("close of reconciled exit failed",
					slog.String("symbol", pos.Symbol),
					slog.String("error", err.Error()),
				)
				continue
			}
			w.logger.Info("pending exit reconciled as filled",
				slog.String("symbol", pos.Symbol),
				slog.String("client_order_id", pos.PendingOrderID),
				slog.Float64("fill_price", fillPrice),
			)

		case errors.Is(err, domain.ErrNotFound), err == nil:
			// The venue never saw the order, or it did not fill. Back into
			// normal rotation; this cycle re-evaluates it.
			if err := book.MarkOpen(ctx, pos.Symbol); err != nil {
				w.logger.Warn("reopen of unfilled pending exit failed",
					slog.String("symbol", pos.Symbol),
					slog.String("error", err.Error()),
				)
			}

		default:
			// Lookup failed; keep the pending mark and retry next cycle.
			w.logger.Warn("pending exit lookup failed",
				slog.String("symbol", pos.Symbol),
				slog.String("client_order_id", pos.PendingOrderID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// fetchHoldings queries the broker's view of the account, keyed by symbol.
// Failures degrade to an empty map; the price cache still covers evaluation.
func (w *Worker) fetchHoldings(ctx context.Context) map[string]domain.Holding {
	positions, err := w.rt.Broker.GetPositions(ctx)
	if err != nil {
		w.logger.Warn("holdings fetch failed", slog.String("error", err.Error()))
		return nil
	}
	out := make(map[string]domain.Holding, len(positions))
	for _, h := range positions {
		out[h.Symbol] = h
	}
	return out
}

// importUnmanaged adopts exchange holdings the ledger does not know about,
// with defensive wide bounds since the true entry price is unknown.
func (w *Worker) importUnmanaged(ctx context.Context, holdings map[string]domain.Holding) {
	book := w.rt.Ledger
	for symbol, h := range holdings {
		if h.Quantity <= 0 || h.CurrentPrice <= 0 || book.Has(symbol) {
			continue
		}
		if err := book.ImportExisting(ctx, symbol, h.Quantity, h.CurrentPrice, w.opts.ImportBoundPct); err != nil {
			w.logger.Warn("holding import failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.logger.Info("imported existing holding",
			slog.String("symbol", symbol),
			slog.Float64("quantity", h.Quantity),
			slog.Float64("price", h.CurrentPrice),
		)
	}
}

// priceFor resolves the freshest mark for a symbol: price cache first, the
// broker's own position marks as fallback.
func (w *Worker) priceFor(ctx context.Context, symbol string, holdings map[string]domain.Holding, now time.Time) float64 {
	if w.prices != nil {
		price, ts, err := w.prices.GetPrice(ctx, symbol)
		if err == nil && price > 0 {
			if w.opts.PriceStaleMax <= 0 || now.Sub(ts) <= w.opts.PriceStaleMax {
				return price
			}
		}
	}
	if h, ok := holdings[symbol]; ok {
		return h.CurrentPrice
	}
	return 0
}

// exit submits one exit order and settles the ledger from its outcome. The
// submission runs on a context detached from cancellation: once an exit is
// decided it must complete or time out, never be abandoned mid-flight.
func (w *Worker) exit(ctx context.Context, symbol string, price float64, reason domain.ExitReason) error {
	book := w.rt.Ledger
	pos, ok := book.Get(symbol)
	if !ok {
		return nil
	}

	// The client order ID is chosen here, not in the coordinator, so the
	// pending mark persisted below already names the order a restart must
	// reconcile against the venue.
	clientOrderID := uuid.New().String()
	if err := book.MarkExitPending(ctx, symbol, clientOrderID); err != nil {
		return fmt.Errorf("account: mark exit pending %s: %w", symbol, err)
	}

	side := domain.OrderSideSell
	if pos.Side == domain.SideShort {
		side = domain.OrderSideBuy
	}
	req := domain.OrderRequest{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Size:          pos.Quantity,
		SizeType:      domain.SizeBase,
		Reason:        reason,
	}

	submitCtx := context.WithoutCancel(ctx)
	res, err := w.rt.Coord.Submit(submitCtx, req)
	if err != nil {
		w.settleFailedExit(submitCtx, symbol, reason, err)
		return err
	}

	fillPrice := price
	if res.FilledSize > 0 && res.FilledValue > 0 {
		fillPrice = res.FilledValue / res.FilledSize
	}
	if err := book.Close(submitCtx, symbol, fillPrice, reason); err != nil {
		return fmt.Errorf("account: close %s: %w", symbol, err)
	}

	if w.rt.state() == domain.StateCircuitOpen {
		w.rt.setState(domain.StateConnected)
	}
	switch reason {
	case domain.ExitEmergency:
		w.alert(ctx, EventEmergencyExit, fmt.Sprintf("%s: emergency exit %s at %.4f", w.rt.Account().ID, symbol, fillPrice))
	case domain.ExitPositionCap, domain.ExitForced:
		w.alert(ctx, EventLiquidation, fmt.Sprintf("%s: liquidated %s at %.4f (%s)", w.rt.Account().ID, symbol, fillPrice, reason))
	}
	return nil
}

// settleFailedExit updates account and position state so the next cycle can
// react instead of looping on the same failure.
func (w *Worker) settleFailedExit(ctx context.Context, symbol string, reason domain.ExitReason, err error) {
	book := w.rt.Ledger
	acctID := w.rt.Account().ID

	switch {
	case errors.Is(err, domain.ErrCircuitOpen):
		if w.rt.state() != domain.StateCircuitOpen {
			w.rt.setState(domain.StateCircuitOpen)
			w.alert(ctx, EventCircuitOpen, fmt.Sprintf("%s: circuit breaker open, exits suspended", acctID))
		}
		if markErr := book.MarkOpen(ctx, symbol); markErr != nil {
			w.logger.Warn("reopen after circuit reject failed",
				slog.String("symbol", symbol),
				slog.String("error", markErr.Error()),
			)
		}

	case domain.Classify(err) == domain.ErrKindPermission:
		if w.rt.state() != domain.StatePermissionError {
			w.rt.setState(domain.StatePermissionError)
			w.alert(ctx, EventPermissionError, fmt.Sprintf("%s: API key lacks required scopes, trading halted: %v", acctID, err))
		}
		if markErr := book.MarkOpen(ctx, symbol); markErr != nil {
			w.logger.Warn("reopen after permission failure failed",
				slog.String("symbol", symbol),
				slog.String("error", markErr.Error()),
			)
		}

	default:
		// Retries exhausted or funds unavailable: rest the position, the
		// cooldown expiry puts it back into rotation.
		if markErr := book.MarkUnsellable(ctx, symbol, w.opts.UnsellableCooldown); markErr != nil {
			w.logger.Warn("mark unsellable failed",
				slog.String("symbol", symbol),
				slog.String("error", markErr.Error()),
			)
		}
		w.alert(ctx, EventUnsellable, fmt.Sprintf("%s: %s exit (%s) failed, resting %s: %v",
			acctID, symbol, reason, w.opts.UnsellableCooldown, err))
	}
}

// evaluateEntries consumes entry signals for symbols the account does not
// already hold, up to the position cap.
func (w *Worker) evaluateEntries(ctx context.Context) {
	if w.signals == nil || w.rt.state() != domain.StateConnected {
		return
	}
	book := w.rt.Ledger
	for _, symbol := range w.opts.Symbols {
		if ctx.Err() != nil {
			return
		}
		if w.opts.MaxPositions > 0 && book.Count() >= w.opts.MaxPositions {
			return
		}
		if book.Has(symbol) {
			continue
		}
		sig, err := w.signals.EvaluateEntry(ctx, symbol)
		if err != nil {
			w.logger.Debug("entry evaluation failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		if sig == nil {
			continue
		}
		if err := w.enter(ctx, *sig); err != nil {
			w.logger.Warn("entry failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}

// enter opens a position from a signal: buy, record the fill, open in the
// ledger with thresholds from the signal or derived from policy percentages.
func (w *Worker) enter(ctx context.Context, sig domain.EntrySignal) error {
	sizeUSD := sig.SizeUSD
	if sizeUSD <= 0 {
		sizeUSD = w.opts.EntrySizeUSD
	}
	side := domain.OrderSideBuy
	if sig.Side == domain.SideShort {
		side = domain.OrderSideSell
	}
	req := domain.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     side,
		Size:     sizeUSD,
		SizeType: domain.SizeQuote,
	}

	res, err := w.rt.Coord.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("account: entry %s: %w", sig.Symbol, err)
	}
	if res.FilledSize <= 0 {
		return fmt.Errorf("account: entry %s: zero filled size", sig.Symbol)
	}

	entryPrice := res.FilledValue / res.FilledSize
	stop, target := sig.StopLoss, sig.TakeProfit
	if sig.Side == domain.SideShort {
		if stop <= 0 {
			stop = entryPrice * (1 + w.opts.StopLossPct)
		}
		if target <= 0 {
			target = entryPrice * (1 - w.opts.TakeProfitPct)
		}
	} else {
		if stop <= 0 {
			stop = entryPrice * (1 - w.opts.StopLossPct)
		}
		if target <= 0 {
			target = entryPrice * (1 + w.opts.TakeProfitPct)
		}
	}

	now := time.Now().UTC()
	pos := domain.Position{
		AccountID:    w.rt.Account().ID,
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		EntryPrice:   entryPrice,
		Quantity:     res.FilledSize,
		SizeUSD:      res.FilledValue,
		StopLoss:     stop,
		TakeProfit:   target,
		HighestPrice: entryPrice,
		LowestPrice:  entryPrice,
		Status:       domain.PositionOpen,
		Source:       domain.SourceStrategy,
		OpenedAt:     now,
		UpdatedAt:    now,
	}
	if err := w.rt.Ledger.Open(ctx, pos); err != nil {
		return fmt.Errorf("account: open %s: %w", sig.Symbol, err)
	}
	w.logger.Info("position opened",
		slog.String("symbol", sig.Symbol),
		slog.String("side", string(sig.Side)),
		slog.Float64("entry", entryPrice),
		slog.Float64("quantity", res.FilledSize),
	)
	return nil
}

// LiquidationResult is the outcome of one order in a liquidation sweep.
type LiquidationResult struct {
	Symbol  string           `json:"symbol"`
	Ok      bool             `json:"ok"`
	Kind    domain.ErrorKind `json:"kind,omitempty"`
	Message string           `json:"message,omitempty"`
}

// LiquidationSummary aggregates a full liquidation run for one account.
type LiquidationSummary struct {
	AccountID  string              `json:"account_id"`
	Attempted  int                 `json:"attempted"`
	Succeeded  int                 `json:"succeeded"`
	Failed     int                 `json:"failed"`
	Results    []LiquidationResult `json:"results"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

// LiquidateAll force-exits every open position for the account. Each order's
// failure becomes a result entry; one bad symbol never aborts the sweep.
func (w *Worker) LiquidateAll(ctx context.Context) LiquidationSummary {
	summary := LiquidationSummary{
		AccountID: w.rt.Account().ID,
		StartedAt: time.Now().UTC(),
	}
	holdings := w.fetchHoldings(ctx)
	now := time.Now().UTC()

	for _, pos := range w.rt.Ledger.AllOpen() {
		summary.Attempted++
		price := w.priceFor(ctx, pos.Symbol, holdings, now)
		if price <= 0 {
			// No live mark; settle the trade record at entry so PnL reads
			// flat rather than fabricated.
			price = pos.EntryPrice
		}
		if err := w.exit(ctx, pos.Symbol, price, domain.ExitForced); err != nil {
			summary.Failed++
			summary.Results = append(summary.Results, LiquidationResult{
				Symbol:  pos.Symbol,
				Kind:    domain.Classify(err),
				Message: err.Error(),
			})
			continue
		}
		summary.Succeeded++
		summary.Results = append(summary.Results, LiquidationResult{Symbol: pos.Symbol, Ok: true})
	}

	summary.FinishedAt = time.Now().UTC()
	w.logger.Info("liquidation sweep finished",
		slog.Int("attempted", summary.Attempted),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
	)
	return summary
}

// alert sends a notification, swallowing delivery errors.
func (w *Worker) alert(ctx context.Context, event, message string) {
	if w.alerts == nil {
		return
	}
	if err := w.alerts.Send(ctx, event, message); err != nil {
		w.logger.Warn("alert delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

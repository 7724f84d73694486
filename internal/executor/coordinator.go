package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/nonce"
)

// Config tunes the retry and circuit-breaker behavior of a Coordinator.
type Config struct {
	// MaxAttempts bounds the attempt series for one logical order.
	MaxAttempts int
	// RetryBaseDelay is multiplied by the attempt number to produce the
	// backoff before the next attempt.
	RetryBaseDelay time.Duration
	// SubmitTimeout bounds each individual broker call.
	SubmitTimeout time.Duration
	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit breaker.
	BreakerThreshold int
	// BreakerCooldown is the initial open duration before a half-open trial.
	BreakerCooldown time.Duration
	// ErrorDedupTTL is the window within which repeated failures of the same
	// class log at debug instead of error.
	ErrorDedupTTL time.Duration
}

// withDefaults fills zero fields with production defaults.
func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
	if c.ErrorDedupTTL <= 0 {
		c.ErrorDedupTTL = 10 * time.Minute
	}
	return c
}

// Coordinator serializes order submission for a single account. All order
// flow for the account passes through Submit, which holds the account's
// submission lock for the full attempt series so nonces reach the venue in
// the order they were generated.
type Coordinator struct {
	accountID string
	broker    domain.BrokerClient
	seq       *nonce.Sequencer
	orders    domain.OrderStore
	audit     domain.AuditStore
	breaker   *CircuitBreaker
	dedup     *ErrorDedup
	cfg       Config
	logger    *slog.Logger

	// submitMu is the per-account serialization point. Concurrent Submit
	// calls queue here; nonce generation and the broker call happen under it.
	submitMu sync.Mutex
}

// New creates a Coordinator for one account. The orders store and audit log
// may be nil; order records and audit entries are diagnostics and their
// persistence never blocks a submission.
func New(accountID string, broker domain.BrokerClient, seq *nonce.Sequencer, orders domain.OrderStore, audit domain.AuditStore, cfg Config, logger *slog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		accountID: accountID,
		broker:    broker,
		seq:       seq,
		orders:    orders,
		audit:     audit,
		breaker:   NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		dedup:     NewErrorDedup(cfg.ErrorDedupTTL),
		cfg:       cfg,
		logger: logger.With(
			slog.String("component", "executor"),
			slog.String("account", accountID),
		),
	}
}

// AccountID returns the account this coordinator serves.
func (c *Coordinator) AccountID() string { return c.accountID }

// Breaker returns a snapshot of the account's circuit breaker for status
// reporting.
func (c *Coordinator) Breaker() BreakerSnapshot { return c.breaker.Snapshot() }

// Submit places one logical market order, retrying transient failures with
// linear backoff up to the configured attempt cap. The request's
// ClientOrderID is generated if empty and reused verbatim across every
// attempt so the venue can deduplicate a fill that raced a client-side
// timeout. When the breaker is open Submit fails fast with ErrCircuitOpen.
func (c *Coordinator) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.New().String()
	}
	req.AccountID = c.accountID

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	if !c.breaker.Allow() {
		snap := c.breaker.Snapshot()
		c.logger.Warn("submission rejected, circuit open",
			slog.String("symbol", req.Symbol),
			slog.Duration("cooldown", snap.Cooldown),
		)
		return domain.OrderResult{Status: domain.OrderStatusRejected, Message: "circuit breaker open"},
			fmt.Errorf("executor: %s %s: %w", req.Side, req.Symbol, domain.ErrCircuitOpen)
	}

	order := domain.Order{
		ClientOrderID: req.ClientOrderID,
		AccountID:     c.accountID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Size:          req.Size,
		SizeType:      req.SizeType,
		Status:        domain.OrderStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	c.recordOrder(ctx, order, true)

	log := c.logger.With(
		slog.String("client_order_id", req.ClientOrderID),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
	)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		result, err := c.attempt(ctx, req, attempt, log)
		order.AttemptCount = attempt
		if err == nil {
			c.breaker.RecordSuccess()
			now := time.Now().UTC()
			order.Status = result.Status
			order.FilledAt = &now
			c.recordOrder(ctx, order, false)
			c.auditOutcome(ctx, "order.filled", req, attempt, map[string]any{
				"filled_size":  result.FilledSize,
				"filled_value": result.FilledValue,
			})
			log.Info("order filled",
				slog.Int("attempt", attempt),
				slog.String("order_id", result.OrderID),
				slog.Float64("filled_size", result.FilledSize),
			)
			return result, nil
		}
		lastErr = err
		order.LastError = err.Error()

		kind := domain.Classify(err)
		c.breaker.RecordFailure()
		c.report(kind, err, attempt, log)

		if !kind.Retryable() {
			order.Status = domain.OrderStatusRejected
			c.recordOrder(ctx, order, false)
			c.auditOutcome(ctx, "order.rejected", req, attempt, map[string]any{
				"kind":  string(kind),
				"error": err.Error(),
			})
			return domain.OrderResult{Status: domain.OrderStatusRejected, Message: err.Error()},
				fmt.Errorf("executor: %s %s: %w", req.Side, req.Symbol, err)
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		if c.breaker.State() == BreakerOpen {
			// The circuit opened on this attempt's failure. The remaining
			// retries must not reach the venue.
			order.Status = domain.OrderStatusRejected
			c.recordOrder(ctx, order, false)
			c.auditOutcome(ctx, "order.rejected", req, attempt, map[string]any{
				"kind":  "circuit_open",
				"error": err.Error(),
			})
			log.Warn("retries abandoned, circuit opened",
				slog.Int("attempt", attempt),
			)
			return domain.OrderResult{Status: domain.OrderStatusRejected, Message: "circuit breaker open"},
				fmt.Errorf("executor: %s %s: %w", req.Side, req.Symbol, domain.ErrCircuitOpen)
		}

		if kind == domain.ErrKindNonceInvalid {
			// The venue's high-water mark is ahead of ours; jump past it and
			// retry immediately.
			c.seq.JumpForward(ctx, 0)
			continue
		}

		if err := c.backoff(ctx, attempt); err != nil {
			order.Status = domain.OrderStatusFailed
			c.recordOrder(ctx, order, false)
			return domain.OrderResult{Status: domain.OrderStatusFailed, Message: err.Error()},
				fmt.Errorf("executor: %s %s: %w", req.Side, req.Symbol, err)
		}
	}

	order.Status = domain.OrderStatusFailed
	c.recordOrder(ctx, order, false)
	c.auditOutcome(ctx, "order.failed", req, c.cfg.MaxAttempts, map[string]any{
		"error": lastErr.Error(),
	})
	log.Error("order failed, attempts exhausted",
		slog.Int("attempts", c.cfg.MaxAttempts),
		slog.String("error", lastErr.Error()),
	)
	return domain.OrderResult{Status: domain.OrderStatusFailed, Message: lastErr.Error()},
		fmt.Errorf("executor: %s %s after %d attempts: %w", req.Side, req.Symbol, c.cfg.MaxAttempts, lastErr)
}

// attempt makes one broker call under a per-attempt timeout. A timed-out
// call is reconciled against the venue by client order ID before it is
// reported as a failure, since the order may have filled server-side.
func (c *Coordinator) attempt(ctx context.Context, req domain.OrderRequest, attempt int, log *slog.Logger) (domain.OrderResult, error) {
	n := c.seq.Next(ctx)

	if attempt == 1 {
		log.Info("submitting order",
			slog.Float64("size", req.Size),
			slog.String("size_type", string(req.SizeType)),
			slog.Int64("nonce", n),
		)
	} else {
		log.Debug("retrying order",
			slog.Int("attempt", attempt),
			slog.Int64("nonce", n),
		)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	result, err := c.broker.PlaceMarketOrder(callCtx, req, n)
	if err == nil {
		return result, nil
	}

	if isTimeout(err) {
		if res, ok := c.reconcile(ctx, req.ClientOrderID, log); ok {
			return res, nil
		}
	}
	return domain.OrderResult{}, err
}

// reconcile asks the venue whether a timed-out submission actually filled.
// Returns the fill and true when it did.
func (c *Coordinator) reconcile(ctx context.Context, clientOrderID string, log *slog.Logger) (domain.OrderResult, bool) {
	lookupCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	res, err := c.broker.GetOrderByClientID(lookupCtx, clientOrderID)
	switch {
	case err == nil && res.Filled():
		log.Info("timed-out order found filled on venue",
			slog.String("order_id", res.OrderID),
		)
		return res, true
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		log.Debug("order reconciliation lookup failed",
			slog.String("error", err.Error()),
		)
	}
	return domain.OrderResult{}, false
}

// report logs one failed attempt. The first failure of each class within the
// dedup window logs at error with full detail; repeats log at debug.
func (c *Coordinator) report(kind domain.ErrorKind, err error, attempt int, log *slog.Logger) {
	if c.dedup.ShouldReport(string(kind)) {
		log.Error("order attempt failed",
			slog.Int("attempt", attempt),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return
	}
	log.Debug("order attempt failed",
		slog.Int("attempt", attempt),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
}

// backoff sleeps for base delay times the attempt number, or returns early
// when the context is cancelled.
func (c *Coordinator) backoff(ctx context.Context, attempt int) error {
	delay := c.cfg.RetryBaseDelay * time.Duration(attempt)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// auditOutcome records the terminal fate of one submission in the audit log.
// Best effort, like recordOrder: the trade ledger stays the durable truth.
func (c *Coordinator) auditOutcome(ctx context.Context, event string, req domain.OrderRequest, attempts int, detail map[string]any) {
	if c.audit == nil {
		return
	}
	entry := map[string]any{
		"account_id":      c.accountID,
		"client_order_id": req.ClientOrderID,
		"symbol":          req.Symbol,
		"side":            string(req.Side),
		"reason":          string(req.Reason),
		"attempts":        attempts,
	}
	for k, v := range detail {
		entry[k] = v
	}
	if err := c.audit.Log(ctx, event, entry); err != nil {
		c.logger.Warn("audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// recordOrder persists the order record. Persistence failures are logged and
// swallowed; the record is diagnostic, the trade ledger is the durable truth.
func (c *Coordinator) recordOrder(ctx context.Context, order domain.Order, create bool) {
	if c.orders == nil {
		return
	}
	var err error
	if create {
		err = c.orders.Create(ctx, order)
	} else {
		err = c.orders.Update(ctx, order)
	}
	if err != nil {
		c.logger.Warn("order record write failed",
			slog.String("client_order_id", order.ClientOrderID),
			slog.String("error", err.Error()),
		)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var be *domain.BrokerError
	return errors.As(err, &be) && be.Kind == domain.ErrKindTransient
}

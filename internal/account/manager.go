package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/copybot/internal/config"
	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/executor"
	"github.com/alanyoungcy/copybot/internal/ledger"
	"github.com/alanyoungcy/copybot/internal/nonce"
	"github.com/alanyoungcy/copybot/internal/risk"
)

// HierarchyState tracks the bring-up of one broker kind's account group.
type HierarchyState string

const (
	HierarchyUninitialized    HierarchyState = "uninitialized"
	HierarchyMasterConnecting HierarchyState = "master_connecting"
	HierarchyMasterReady      HierarchyState = "master_ready"
	HierarchyUsersConnecting  HierarchyState = "users_connecting"
	HierarchyAllReady         HierarchyState = "all_ready"
)

// initLockTTL bounds how long the cross-process account lock is held while a
// sequencer is being seeded.
const initLockTTL = 30 * time.Second

// BrokerFactory builds the exchange adapter for one configured account.
type BrokerFactory func(acc config.AccountConfig) (domain.BrokerClient, error)

// Stores bundles the persistence interfaces the manager hands to each
// account's runtime.
type Stores struct {
	Positions domain.PositionStore
	Nonces    domain.NonceStore
	Trades    domain.TradeStore
	Orders    domain.OrderStore
	Audit     domain.AuditStore
}

// Runtime bundles everything owned by one connected account: its broker
// session, nonce sequencer, execution coordinator, ledger, and worker.
type Runtime struct {
	Broker domain.BrokerClient
	Seq    *nonce.Sequencer
	Coord  *executor.Coordinator
	Ledger *ledger.Ledger

	worker *Worker

	mu      sync.Mutex
	account domain.Account
}

// Account returns a copy of the account's current identity and state.
func (r *Runtime) Account() domain.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.account
}

func (r *Runtime) state() domain.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.account.State
}

func (r *Runtime) setState(s domain.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.account.State = s
}

// Manager brings accounts up in master-before-user order per broker kind and
// supervises their workers. Activation per kind is idempotent: once a kind's
// accounts are running, repeated activation is a no-op, so a second code path
// can never spawn a duplicate sequencer or coordinator for the same account.
type Manager struct {
	cfg       *config.Config
	stores    Stores
	prices    domain.PriceCache
	locks     domain.AccountLock
	newBroker BrokerFactory
	signals   domain.SignalGenerator
	alerts    Notifier
	logger    *slog.Logger

	mu        sync.Mutex
	states    map[domain.BrokerKind]HierarchyState
	activated map[domain.BrokerKind]bool
	runtimes  map[string]*Runtime
	order     []string // account IDs in activation order
}

// NewManager creates a Manager. locks, signals, and alerts may be nil.
func NewManager(
	cfg *config.Config,
	stores Stores,
	prices domain.PriceCache,
	locks domain.AccountLock,
	newBroker BrokerFactory,
	signals domain.SignalGenerator,
	alerts Notifier,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		cfg:       cfg,
		stores:    stores,
		prices:    prices,
		locks:     locks,
		newBroker: newBroker,
		signals:   signals,
		alerts:    alerts,
		logger:    logger.With(slog.String("component", "account_manager")),
		states:    make(map[domain.BrokerKind]HierarchyState),
		activated: make(map[domain.BrokerKind]bool),
		runtimes:  make(map[string]*Runtime),
	}
}

// Activate connects every configured account, kind by kind, master first.
// A failed or absent master skips that kind's users with a single log line;
// it never fails the whole startup.
func (m *Manager) Activate(ctx context.Context) error {
	for _, kind := range m.kindOrder() {
		if err := m.activateKind(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) setKindState(kind domain.BrokerKind, st HierarchyState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[kind] = st
}

// kindOrder returns broker kinds in order of first appearance in config.
func (m *Manager) kindOrder() []domain.BrokerKind {
	var kinds []domain.BrokerKind
	seen := make(map[domain.BrokerKind]bool)
	for _, acc := range m.cfg.Accounts {
		kind := domain.BrokerKind(acc.Broker)
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// activateKind walks one broker kind through the bring-up state machine.
func (m *Manager) activateKind(ctx context.Context, kind domain.BrokerKind) error {
	m.mu.Lock()
	if m.activated[kind] {
		m.mu.Unlock()
		m.logger.Debug("kind already activated", slog.String("kind", string(kind)))
		return nil
	}
	m.states[kind] = HierarchyMasterConnecting
	m.mu.Unlock()

	var master *config.AccountConfig
	var users []config.AccountConfig
	for _, acc := range m.cfg.Accounts {
		if domain.BrokerKind(acc.Broker) != kind {
			continue
		}
		if acc.Role == "master" {
			a := acc
			master = &a
		} else {
			users = append(users, acc)
		}
	}

	if master == nil {
		// One line for the whole kind, not one per user.
		m.logger.Warn("no master account configured, skipping users",
			slog.String("kind", string(kind)),
			slog.Int("users_skipped", len(users)),
		)
		return nil
	}

	if _, err := m.connectAccount(ctx, *master); err != nil {
		m.logger.Error("master connect failed, skipping users",
			slog.String("kind", string(kind)),
			slog.String("master", master.ID),
			slog.Int("users_skipped", len(users)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	m.setKindState(kind, HierarchyMasterReady)

	m.setKindState(kind, HierarchyUsersConnecting)
	for _, user := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := m.connectAccount(ctx, user); err != nil {
			m.logger.Warn("user connect failed",
				slog.String("kind", string(kind)),
				slog.String("account", user.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	m.mu.Lock()
	m.activated[kind] = true
	m.states[kind] = HierarchyAllReady
	m.mu.Unlock()
	m.logger.Info("broker kind activated",
		slog.String("kind", string(kind)),
		slog.Int("users", len(users)),
	)
	return nil
}

// connectAccount builds and registers the runtime for one account. The
// cross-process lock is held across sequencer seeding so two instances can
// never race the same account's nonce state.
func (m *Manager) connectAccount(ctx context.Context, acc config.AccountConfig) (*Runtime, error) {
	m.mu.Lock()
	if rt, ok := m.runtimes[acc.ID]; ok {
		m.mu.Unlock()
		return rt, nil
	}
	m.mu.Unlock()

	kind, err := domain.ParseBrokerKind(acc.Broker)
	if err != nil {
		return nil, fmt.Errorf("account: %s: %w", acc.ID, err)
	}

	rt := &Runtime{
		account: domain.Account{
			ID:    acc.ID,
			Role:  domain.AccountRole(acc.Role),
			Kind:  kind,
			State: domain.StateConnecting,
		},
	}

	if m.locks != nil {
		unlock, err := m.locks.Acquire(ctx, acc.ID, initLockTTL)
		if err != nil {
			return nil, fmt.Errorf("account: %s: init lock: %w", acc.ID, err)
		}
		defer unlock()
	}

	broker, err := m.newBroker(acc)
	if err != nil {
		return nil, fmt.Errorf("account: %s: broker: %w", acc.ID, err)
	}
	if err := broker.Connect(ctx); err != nil {
		if domain.Classify(err) == domain.ErrKindPermission {
			rt.setState(domain.StatePermissionError)
		} else {
			rt.setState(domain.StateDisconnected)
		}
		return nil, fmt.Errorf("account: %s: connect: %w", acc.ID, err)
	}
	rt.setState(domain.StateConnected)

	rt.Broker = broker
	rt.Seq = nonce.New(ctx, acc.ID, m.stores.Nonces, nonce.Options{
		BaseOffset:     m.cfg.Nonce.BaseOffset.Duration,
		RecoveryOffset: m.cfg.Nonce.RecoveryOffset.Duration,
	}, m.logger)
	rt.Coord = executor.New(acc.ID, broker, rt.Seq, m.stores.Orders, m.stores.Audit, executor.Config{
		MaxAttempts:      m.cfg.Executor.MaxAttempts,
		RetryBaseDelay:   m.cfg.Executor.RetryBaseDelay.Duration,
		SubmitTimeout:    m.cfg.Executor.SubmitTimeout.Duration,
		BreakerThreshold: m.cfg.Executor.BreakerThreshold,
		BreakerCooldown:  m.cfg.Executor.BreakerCooldown.Duration,
		ErrorDedupTTL:    m.cfg.Executor.ErrorDedupTTL.Duration,
	}, m.logger)

	rt.Ledger = ledger.New(acc.ID, m.stores.Positions, m.stores.Trades, m.logger)
	if err := rt.Ledger.Load(ctx); err != nil {
		// An unreadable ledger means unmanaged capital; refuse the account.
		rt.setState(domain.StateDisconnected)
		return nil, fmt.Errorf("account: %s: ledger recovery: %w", acc.ID, err)
	}

	symbols := acc.Symbols
	if len(symbols) == 0 {
		symbols = m.cfg.Feed.Symbols
	}
	rt.worker = NewWorker(rt, m.prices, m.signals, m.alerts, WorkerOptions{
		Symbols:            symbols,
		Policy:             policyFromConfig(m.cfg.Risk),
		MaxPositions:       m.cfg.Risk.MaxPositions,
		ImportBoundPct:     m.cfg.Risk.ImportBoundPct,
		UnsellableCooldown: m.cfg.Risk.UnsellableCooldown.Duration,
		EntrySizeUSD:       m.cfg.Risk.EntrySizeUSD,
		StopLossPct:        m.cfg.Risk.StopLossPct,
		TakeProfitPct:      m.cfg.Risk.TakeProfitPct,
		EvalInterval:       m.cfg.Risk.EvalInterval.Duration,
		PriceStaleMax:      m.cfg.Feed.StaleMax.Duration,
	}, m.logger)

	m.mu.Lock()
	m.runtimes[acc.ID] = rt
	m.order = append(m.order, acc.ID)
	m.mu.Unlock()

	m.logger.Info("account connected",
		slog.String("account", acc.ID),
		slog.String("role", acc.Role),
		slog.String("kind", string(kind)),
	)
	return rt, nil
}

// Run activates every kind and supervises the connected accounts' workers
// until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Activate(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	started := 0
	for _, rt := range m.connectedRuntimes() {
		rt := rt
		started++
		g.Go(func() error {
			return rt.worker.Run(gctx)
		})
	}
	if started == 0 {
		return fmt.Errorf("account: no accounts connected")
	}
	m.logger.Info("account workers running", slog.Int("count", started))
	return g.Wait()
}

// connectedRuntimes returns runtimes in activation order, skipping accounts
// that never reached CONNECTED.
func (m *Manager) connectedRuntimes() []*Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Runtime
	for _, id := range m.order {
		rt := m.runtimes[id]
		if rt.account.State == domain.StateConnected {
			out = append(out, rt)
		}
	}
	return out
}

// Runtime returns the runtime for one account.
func (m *Manager) Runtime(accountID string) (*Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[accountID]
	return rt, ok
}

// ForceLiquidateAll exits every open position on one account. Used by the
// ops surface; every sweep is recorded in the audit log.
func (m *Manager) ForceLiquidateAll(ctx context.Context, accountID string) (LiquidationSummary, error) {
	rt, ok := m.Runtime(accountID)
	if !ok {
		return LiquidationSummary{}, fmt.Errorf("account: %s: %w", accountID, domain.ErrNotFound)
	}
	summary := rt.worker.LiquidateAll(ctx)

	if m.stores.Audit != nil {
		if err := m.stores.Audit.Log(ctx, "liquidation.sweep", map[string]any{
			"account_id": accountID,
			"attempted":  summary.Attempted,
			"succeeded":  summary.Succeeded,
			"failed":     summary.Failed,
		}); err != nil {
			m.logger.Warn("liquidation audit write failed",
				slog.String("account", accountID),
				slog.String("error", err.Error()),
			)
		}
	}
	return summary, nil
}

// AccountStatus is one account's slice of the status report.
type AccountStatus struct {
	ID            string                   `json:"id"`
	Role          domain.AccountRole       `json:"role"`
	Kind          domain.BrokerKind        `json:"kind"`
	State         domain.ConnectionState   `json:"state"`
	OpenPositions int                      `json:"open_positions"`
	Breaker       executor.BreakerSnapshot `json:"breaker"`
}

// StatusReport is the ops-facing snapshot of the whole deployment.
type StatusReport struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Hierarchy   map[string]string `json:"hierarchy"`
	Accounts    []AccountStatus   `json:"accounts"`
	Positions   []domain.Position `json:"positions"`
}

// Status builds a report over every registered account.
func (m *Manager) Status() StatusReport {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	hierarchy := make(map[string]string, len(m.states))
	for kind, st := range m.states {
		hierarchy[string(kind)] = string(st)
	}
	m.mu.Unlock()

	report := StatusReport{
		GeneratedAt: time.Now().UTC(),
		Hierarchy:   hierarchy,
	}
	for _, id := range ids {
		rt, ok := m.Runtime(id)
		if !ok {
			continue
		}
		acct := rt.Account()
		open := rt.Ledger.AllOpen()
		report.Accounts = append(report.Accounts, AccountStatus{
			ID:            acct.ID,
			Role:          acct.Role,
			Kind:          acct.Kind,
			State:         acct.State,
			OpenPositions: len(open),
			Breaker:       rt.Coord.Breaker(),
		})
		report.Positions = append(report.Positions, open...)
	}
	return report
}

// KindState returns the hierarchy state for one broker kind.
func (m *Manager) KindState(kind domain.BrokerKind) HierarchyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[kind]; ok {
		return st
	}
	return HierarchyUninitialized
}

// policyFromConfig maps risk configuration onto the governor's policy.
func policyFromConfig(rc config.RiskConfig) risk.Policy {
	return risk.Policy{
		EmergencyLossPct: rc.EmergencyLossPct,
		StepTriggerPct:   rc.StepTriggerPct,
		SteppedTPPct:     rc.SteppedTPPct,
		TrailingPct:      rc.TrailingPct,
		MaxHold:          time.Duration(rc.MaxHoldHours) * time.Hour,
		MaxHoldHard:      time.Duration(rc.MaxHoldHoursHard) * time.Hour,
	}
}

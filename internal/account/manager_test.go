package account

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/broker/paper"
	"github.com/alanyoungcy/copybot/internal/config"
	"github.com/alanyoungcy/copybot/internal/domain"
)

// connectLog records the order in which accounts reach the broker.
type connectLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *connectLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
}

func (l *connectLog) order() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}

// recordingBroker wraps the paper broker to log Connect calls.
type recordingBroker struct {
	*paper.Broker
	id  string
	log *connectLog
}

func (b *recordingBroker) Connect(ctx context.Context) error {
	if err := b.Broker.Connect(ctx); err != nil {
		return err
	}
	b.log.add(b.id)
	return nil
}

type memAuditStore struct {
	mu     sync.Mutex
	events []string
}

func (s *memAuditStore) Log(_ context.Context, event string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memAuditStore) ListBefore(_ context.Context, _ time.Time) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (s *memAuditStore) DeleteBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (s *memAuditStore) eventNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type managerFixture struct {
	manager *Manager
	log     *connectLog
	brokers map[string]*paper.Broker
	calls   map[string]int
	audit   *memAuditStore
	mu      sync.Mutex
}

func newManagerFixture(t *testing.T, accounts []config.AccountConfig) *managerFixture {
	t.Helper()

	cfg := config.Defaults()
	cfg.Accounts = accounts
	cfg.Executor.RetryBaseDelay.Duration = time.Millisecond

	f := &managerFixture{
		log:     &connectLog{},
		brokers: make(map[string]*paper.Broker),
		calls:   make(map[string]int),
		audit:   &memAuditStore{},
	}
	factory := func(acc config.AccountConfig) (domain.BrokerClient, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls[acc.ID]++
		b, ok := f.brokers[acc.ID]
		if !ok {
			b = paper.New(10_000, discard())
			f.brokers[acc.ID] = b
		}
		return &recordingBroker{Broker: b, id: acc.ID, log: f.log}, nil
	}

	stores := Stores{
		Positions: newMemPositionStore(),
		Nonces:    &memNonceStore{},
		Trades:    &memTradeStore{},
		Audit:     f.audit,
	}
	f.manager = NewManager(&cfg, stores, nil, nil, factory, nil, nil, discard())
	return f
}

func (f *managerFixture) factoryCalls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// seedBroker pre-registers a paper broker for an account so tests can script
// it before activation.
func (f *managerFixture) seedBroker(id string) *paper.Broker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := paper.New(10_000, discard())
	f.brokers[id] = b
	return b
}

func paperAccount(id, role string) config.AccountConfig {
	return config.AccountConfig{ID: id, Role: role, Broker: "paper"}
}

func TestActivateConnectsMasterBeforeUsers(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, []config.AccountConfig{
		paperAccount("user-1", "user"),
		paperAccount("master-1", "master"),
		paperAccount("user-2", "user"),
	})

	require.NoError(t, f.manager.Activate(context.Background()))

	order := f.log.order()
	require.Len(t, order, 3)
	assert.Equal(t, "master-1", order[0], "master must connect first")
	assert.Equal(t, HierarchyAllReady, f.manager.KindState(domain.BrokerPaper))
}

func TestActivateIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, []config.AccountConfig{
		paperAccount("master-1", "master"),
		paperAccount("user-1", "user"),
	})

	require.NoError(t, f.manager.Activate(context.Background()))
	require.NoError(t, f.manager.Activate(context.Background()))

	assert.Equal(t, 1, f.factoryCalls("master-1"), "repeat activation must not rebuild runtimes")
	assert.Equal(t, 1, f.factoryCalls("user-1"))
}

func TestActivateSkipsUsersWithoutMaster(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, []config.AccountConfig{
		paperAccount("user-1", "user"),
		paperAccount("user-2", "user"),
	})

	require.NoError(t, f.manager.Activate(context.Background()))

	assert.Empty(t, f.log.order(), "no user may connect without a master")
	assert.Equal(t, 0, f.factoryCalls("user-1"))
	assert.Equal(t, HierarchyMasterConnecting, f.manager.KindState(domain.BrokerPaper))
}

func TestActivateSkipsUsersWhenMasterFails(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, []config.AccountConfig{
		paperAccount("master-1", "master"),
		paperAccount("user-1", "user"),
	})
	f.seedBroker("master-1").FailConnect(
		domain.NewBrokerError(domain.ErrKindPermission, "key revoked"))

	require.NoError(t, f.manager.Activate(context.Background()))

	assert.Equal(t, 1, f.factoryCalls("master-1"))
	assert.Equal(t, 0, f.factoryCalls("user-1"), "users skipped after master failure")
	assert.Empty(t, f.log.order())
}

func TestKindStateTracksBringUp(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, []config.AccountConfig{
		paperAccount("master-1", "master"),
	})
	assert.Equal(t, HierarchyUninitialized, f.manager.KindState(domain.BrokerPaper))

	f.manager.setKindState(domain.BrokerPaper, HierarchyMasterReady)
	assert.Equal(t, HierarchyMasterReady, f.manager.KindState(domain.BrokerPaper))

	require.NoError(t, f.manager.Activate(context.Background()))
	assert.Equal(t, HierarchyAllReady, f.manager.KindState(domain.BrokerPaper))
}

func TestStatusReportsConnectedAccounts(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, []config.AccountConfig{
		paperAccount("master-1", "master"),
		paperAccount("user-1", "user"),
	})
	require.NoError(t, f.manager.Activate(context.Background()))

	report := f.manager.Status()
	require.Len(t, report.Accounts, 2)
	assert.Equal(t, "master-1", report.Accounts[0].ID)
	for _, acc := range report.Accounts {
		assert.Equal(t, domain.StateConnected, acc.State)
	}
	assert.Equal(t, string(HierarchyAllReady), report.Hierarchy["paper"])
}

func TestForceLiquidateWritesAudit(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, []config.AccountConfig{
		paperAccount("master-1", "master"),
	})
	require.NoError(t, f.manager.Activate(context.Background()))

	_, err := f.manager.ForceLiquidateAll(context.Background(), "master-1")
	require.NoError(t, err)
	assert.Contains(t, f.audit.eventNames(), "liquidation.sweep")
}

func TestForceLiquidateUnknownAccount(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, []config.AccountConfig{
		paperAccount("master-1", "master"),
	})
	require.NoError(t, f.manager.Activate(context.Background()))

	_, err := f.manager.ForceLiquidateAll(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

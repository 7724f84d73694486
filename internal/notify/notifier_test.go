package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/account"
)

type fakeSender struct {
	name   string
	err    error
	titles []string
	bodies []string
}

func (s *fakeSender) Send(_ context.Context, title, message string) error {
	if s.err != nil {
		return s.err
	}
	s.titles = append(s.titles, title)
	s.bodies = append(s.bodies, message)
	return nil
}

func (s *fakeSender) Name() string { return s.name }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManagerSendsToAllSenders(t *testing.T) {
	t.Parallel()

	a := &fakeSender{name: "telegram"}
	b := &fakeSender{name: "discord"}
	m := NewManager([]Sender{a, b}, nil, discard())

	err := m.Send(context.Background(), account.EventCircuitOpen, "acct-1 breaker tripped")
	require.NoError(t, err)

	require.Len(t, a.titles, 1)
	assert.Equal(t, "Circuit breaker open", a.titles[0])
	assert.Equal(t, "acct-1 breaker tripped", a.bodies[0])
	assert.Len(t, b.titles, 1)
}

func TestManagerFiltersDisallowedEvents(t *testing.T) {
	t.Parallel()

	s := &fakeSender{name: "telegram"}
	m := NewManager([]Sender{s}, []string{account.EventEmergencyExit}, discard())

	require.NoError(t, m.Send(context.Background(), account.EventUnsellable, "ignored"))
	assert.Empty(t, s.titles)

	require.NoError(t, m.Send(context.Background(), account.EventEmergencyExit, "delivered"))
	assert.Len(t, s.titles, 1)
}

func TestManagerSenderFailureDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	bad := &fakeSender{name: "telegram", err: errors.New("api down")}
	good := &fakeSender{name: "discord"}
	m := NewManager([]Sender{bad, good}, nil, discard())

	err := m.Send(context.Background(), account.EventLiquidation, "ETH liquidated")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
	assert.Len(t, good.titles, 1, "remaining senders still receive the alert")
}

func TestManagerUnknownEventUsesRawName(t *testing.T) {
	t.Parallel()

	s := &fakeSender{name: "discord"}
	m := NewManager([]Sender{s}, nil, discard())

	require.NoError(t, m.Send(context.Background(), "custom_event", "hello"))
	require.Len(t, s.titles, 1)
	assert.Equal(t, "custom_event", s.titles[0])
}

package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/copybot/internal/config"
	"github.com/alanyoungcy/copybot/internal/domain"
)

type stubSignals struct{}

func (stubSignals) EvaluateEntry(context.Context, string) (*domain.EntrySignal, error) {
	return nil, nil
}

func TestWithSignalsInstallsGenerator(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Nil(t, a.signals)

	gen := stubSignals{}
	assert.Same(t, a, a.WithSignals(gen))
	assert.Equal(t, gen, a.signals)
}

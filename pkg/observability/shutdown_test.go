package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestNewShutdownManagerDefaults(t *testing.T) {
	sm := NewShutdownManager(nil, 0)
	assert.NotNil(t, sm.logger)
	assert.Equal(t, 30*time.Second, sm.timeout)
}

func TestShutdownRunsFuncsInReverseOrder(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sm := NewShutdownManager(logger, time.Second, &http.Server{})

	var order []string
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		order = append(order, "database")
		return nil
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		order = append(order, "redis")
		return nil
	})

	assert.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"redis", "database"}, order)
}

func TestShutdownJoinsErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sm := NewShutdownManager(logger, time.Second)

	first := errors.New("first")
	second := errors.New("second")
	ran := 0
	sm.RegisterShutdownFunc(func(ctx context.Context) error { ran++; return first })
	sm.RegisterShutdownFunc(func(ctx context.Context) error { ran++; return second })

	err := sm.Shutdown(context.Background())
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.Equal(t, 2, ran)
	assert.Len(t, hook.Entries, 2)
}

func TestShutdownStopsAtDeadline(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sm := NewShutdownManager(logger, time.Second)
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		t.Fatal("must not run after the deadline")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, sm.Shutdown(ctx), context.Canceled)
}

func TestShutdownOnDone(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sm := NewShutdownManager(logger, time.Second)

	ran := make(chan struct{})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		close(ran)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.ShutdownOnDone(ctx) }()

	select {
	case <-ran:
		t.Fatal("shutdown ran before the context was done")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	assert.NoError(t, <-done)
	<-ran
	assert.Equal(t, "Graceful shutdown complete", hook.LastEntry().Message)
}

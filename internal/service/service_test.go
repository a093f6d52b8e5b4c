package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlgateway/internal/service"
)

// ─────────────────────────────────────────────────────────────
// runningGuard tests
// ─────────────────────────────────────────────────────────────

func TestRunningGuard_TryLock(t *testing.T) {
	var g service.ExportedRunningGuard

	require.True(t, g.TryLock("q-1"))
	assert.False(t, g.TryLock("q-1"), "same id twice")
	require.True(t, g.TryLock("q-2"))
	assert.Equal(t, 2, g.Running())

	g.Unlock("q-1")
	g.Unlock("q-2")
	g.Unlock("unknown")
	assert.Zero(t, g.Running())

	require.True(t, g.TryLock("q-1"))
	g.Unlock("q-1")
}

func TestRunningGuard_ClosedRejects(t *testing.T) {
	var g service.ExportedRunningGuard
	g.Close()
	assert.False(t, g.TryLock("q-1"))
}

func TestRunningGuard_WaitAll(t *testing.T) {
	var g service.ExportedRunningGuard
	require.True(t, g.TryLock("q-a"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Unlock("q-a")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.True(t, g.WaitAll(ctx))
}

func TestRunningGuard_WaitAllGivesUp(t *testing.T) {
	var g service.ExportedRunningGuard
	require.True(t, g.TryLock("stuck"))
	defer g.Unlock("stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, g.WaitAll(ctx))
}

// ─────────────────────────────────────────────────────────────
// MockEmitter tests
// ─────────────────────────────────────────────────────────────

func TestMockEmitter_RecordsEvents(t *testing.T) {
	m := &service.MockEmitter{}
	ctx := context.Background()

	m.Emit(ctx, service.EventDataSourceRegistered, "warehouse")
	m.Emit(ctx, service.EventDataSourceClosed, nil)

	require.Len(t, m.Events, 2)
	assert.Equal(t, "warehouse", m.Events[0].Data)
	assert.Equal(t, []string{service.EventDataSourceRegistered, service.EventDataSourceClosed}, m.Names())
}

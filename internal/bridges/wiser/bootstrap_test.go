package wiser

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/wiser-sync/internal/state"
)

// memStore is an in-memory StateStore.
type memStore struct {
	mu       sync.Mutex
	objects  map[string]state.Object
	ensures  map[string]int
	values   map[string]any
	acks     map[string]bool
	sets     int
	commands []state.CommandRecord

	// onEnsure, when set, runs before each EnsureObject.
	onEnsure func(id string)
}

func newMemStore() *memStore {
	return &memStore{
		objects: map[string]state.Object{},
		ensures: map[string]int{},
		values:  map[string]any{},
		acks:    map[string]bool{},
	}
}

func (s *memStore) EnsureObject(_ context.Context, o state.Object) (bool, error) {
	if s.onEnsure != nil {
		s.onEnsure(o.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensures[o.ID]++
	if _, ok := s.objects[o.ID]; ok {
		return false, nil
	}
	s.objects[o.ID] = o
	return true, nil
}

func (s *memStore) Set(_ context.Context, id string, value any, ack bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.objects[id]; !ok || o.Kind != state.KindState {
		return fmt.Errorf("%w: %s", state.ErrUnknownObject, id)
	}
	s.values[id] = value
	s.acks[id] = ack
	s.sets++
	return nil
}

func (s *memStore) ReadValue(_ context.Context, id string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[id]
	return v, ok, nil
}

func (s *memStore) LogCommand(_ context.Context, rec state.CommandRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, rec)
	return nil
}

func (s *memStore) Value(id string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[id]
	return v, ok
}

func (s *memStore) Object(id string) (state.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	return o, ok
}

func (s *memStore) Ensures(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensures[id]
}

func (s *memStore) Commands() []state.CommandRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]state.CommandRecord(nil), s.commands...)
}

func newTestBootstrap(t *testing.T, clk clock.Clock) (*Bootstrap, *fakeGateway, *memStore, *Registry) {
	t.Helper()
	g, client := newFakeGateway(t)
	store := newMemStore()
	reg := NewRegistry()

	b, err := NewBootstrap(BootstrapConfig{
		Gateway:  client,
		Registry: reg,
		Store:    store,
		Clock:    clk,
	})
	require.NoError(t, err)
	return b, g, store, reg
}

func TestNewBootstrapRequiresDependencies(t *testing.T) {
	_, err := NewBootstrap(BootstrapConfig{})
	assert.Error(t, err)
}

func TestBootstrapRunOnce(t *testing.T) {
	b, _, store, reg := newTestBootstrap(t, clock.NewMock())

	var signal []int
	b.cfg.OnSignal = func(dbm int, _ time.Time) { signal = append(signal, dbm) }

	res := b.RunOnce(context.Background())
	require.NoError(t, res.Err())
	require.Len(t, res.Steps, len(Steps))
	for i, s := range res.Steps {
		assert.Equal(t, Steps[i], s.Step)
	}

	assert.True(t, b.IsReady())
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, "5.1.2", b.Info().SWVersion)
	assert.Equal(t, []int{-61}, signal)

	bri, ok := store.Object("A1.A1_7.ACTIONS.BRI")
	require.True(t, ok)
	assert.True(t, bri.Writable)
	assert.True(t, bri.Actionable)
	assert.Equal(t, "level.dimmer", bri.Role)
	require.NotNil(t, bri.Max)
	assert.Equal(t, 10000.0, *bri.Max)

	flag, ok := store.Object("A1.A1_7.flags.over_temperature")
	require.True(t, ok)
	assert.False(t, flag.Writable)

	device, ok := store.Object("A1")
	require.True(t, ok)
	assert.Equal(t, state.KindDevice, device.Kind)
	assert.Equal(t, "Dimmer 2ch", device.Name, "device tree names the device first")

	want := map[string]any{
		PathRSSI:                  -61,
		"info.gateway.sw_version": "5.1.2",
		"A1.firmware":             "0x5001",
		"A1.type":                 "dim",
		"A1.A1_7.name":            "Kitchen",
		"A1.A1_7.room":            2,
		"system.flags.4":          0,
	}
	for id, v := range want {
		got, ok := store.Value(id)
		if assert.True(t, ok, id) {
			assert.Equal(t, v, got, id)
		}
	}

	job, ok := store.Value("system.jobs.2")
	require.True(t, ok)
	assert.Equal(t, "All off", job.(map[string]any)["name"])
}

func TestBootstrapStepFailureDoesNotStopSequence(t *testing.T) {
	b, g, store, _ := newTestBootstrap(t, clock.NewMock())
	g.Fail(endpointInfo, http.StatusInternalServerError)

	res := b.RunOnce(context.Background())

	assert.True(t, res.Failed(StepDeviceInfo))
	assert.False(t, res.Failed(StepLoadInventory))
	assert.ErrorIs(t, res.Err(), ErrRequestFailed)
	assert.True(t, b.IsReady())

	_, ok := store.Value(PathRSSI)
	assert.True(t, ok, "later steps still run")
}

func TestBootstrapNotReadyWithoutInventory(t *testing.T) {
	b, g, _, reg := newTestBootstrap(t, clock.NewMock())
	g.Fail(endpointLoads, http.StatusServiceUnavailable)

	res := b.RunOnce(context.Background())

	assert.True(t, res.Failed(StepLoadInventory))
	assert.False(t, b.IsReady())
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 1, g.Calls(endpointRSSI))
	assert.Equal(t, 1, g.Calls(endpointFlags))
}

func TestBootstrapCreatesObjectsOnce(t *testing.T) {
	b, _, store, _ := newTestBootstrap(t, clock.NewMock())
	ctx := context.Background()

	require.NoError(t, b.RunOnce(ctx).Err())
	store.mu.Lock()
	firstSets := store.sets
	store.mu.Unlock()

	require.NoError(t, b.RunOnce(ctx).Err())

	for _, id := range []string{"A1", "A1.A1_7", "A1.A1_7.ACTIONS.BRI", PathRSSI, "system.flags.4", "info.gateway.sn"} {
		assert.Equal(t, 1, store.Ensures(id), id)
	}
	store.mu.Lock()
	assert.Equal(t, 2*firstSets, store.sets, "refresh rewrites every value")
	store.mu.Unlock()
}

func TestBootstrapEnsuresLoadObjectsBeforeRouting(t *testing.T) {
	b, _, store, reg := newTestBootstrap(t, clock.NewMock())

	var routedEarly, seen bool
	store.onEnsure = func(id string) {
		if id != briPath {
			return
		}
		seen = true
		_, err := reg.Lookup(7)
		routedEarly = err == nil
	}

	require.NoError(t, b.RunOnce(context.Background()).Err())
	require.True(t, seen)
	assert.False(t, routedEarly, "load is routable before its objects exist")

	_, err := reg.Lookup(7)
	assert.NoError(t, err)
}

func TestBootstrapRetriesUntilInventoryThenRefreshes(t *testing.T) {
	clk := clock.NewMock()
	b, g, _, _ := newTestBootstrap(t, clk)
	g.Fail(endpointLoads, http.StatusServiceUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return g.Calls(endpointLoads) >= 1 }, waitFor, tick)
	assert.False(t, b.IsReady())

	g.Recover(endpointLoads)
	require.Eventually(t, func() bool {
		clk.Add(DefaultBootstrapRetry)
		return b.IsReady()
	}, waitFor, tick)

	// Let the pass finish and arm the refresh timer.
	time.Sleep(50 * time.Millisecond)
	n := g.Calls(endpointLoads)

	clk.Add(2 * DefaultBootstrapRetry)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, g.Calls(endpointLoads), "no retry once the inventory is in")

	require.Eventually(t, func() bool {
		clk.Add(DefaultRefreshInterval)
		return g.Calls(endpointLoads) > n
	}, waitFor, tick)

	cancel()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBootstrapEnsureBase(t *testing.T) {
	b, _, store, _ := newTestBootstrap(t, clock.NewMock())

	require.NoError(t, b.EnsureBase(context.Background()))

	conn, ok := store.Object(PathConnection)
	require.True(t, ok)
	assert.Equal(t, state.TypeBoolean, conn.ValueType)
	rssi, ok := store.Object(PathRSSI)
	require.True(t, ok)
	assert.Equal(t, "dBm", rssi.Unit)
}

package wiser

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTestToken = "3f2a1c9e-8b7d-4e6f-a5c4-1b2d3e4f5a6b"

type targetCall struct {
	LoadID int
	Body   string
}

// fakeGateway serves the gateway REST API from in-memory data.
type fakeGateway struct {
	mu      sync.Mutex
	info    GatewayInfo
	devices []Device
	loads   []Load
	rssi    int
	jobs    []Job
	flags   []Flag

	// failures maps a path to the status returned instead of data.
	failures map[string]int
	calls    map[string]int
	targets  []targetCall
}

func newFakeGateway(t *testing.T) (*fakeGateway, *Client) {
	t.Helper()
	g := &fakeGateway{
		info:     GatewayInfo{Product: "wiser-gateway", InstanceID: "abc", SWVersion: "5.1.2", APIVersion: "1", SN: "SN123"},
		devices:  []Device{{ID: "A1", LastSeen: 4, A: &DeviceModule{FWVersion: "0x5001", CommRef: "3401", CommName: "Dimmer 2ch", SerialNr: "0001"}}},
		loads:    []Load{{ID: 7, Device: "A1", Type: TypeDim, Name: "Kitchen", Channel: 0, Room: 2}},
		rssi:     -61,
		jobs:     []Job{{ID: 2, Name: "All off", FlagIDs: []int{4}}},
		flags:    []Flag{{ID: 4, Symbol: "absent", Name: "Absent", Value: 0.0}},
		failures: map[string]int{},
		calls:    map[string]int{},
	}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	return g, NewClient(ClientConfig{
		Address: strings.TrimPrefix(srv.URL, "http://"),
		Token:   validTestToken,
		Timeout: 2 * time.Second,
	})
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls[r.URL.Path]++

	if r.Header.Get("Authorization") != "Bearer "+validTestToken {
		writeEnvelope(w, http.StatusUnauthorized, "error", nil, "invalid token")
		return
	}
	if status, ok := g.failures[r.URL.Path]; ok {
		writeEnvelope(w, status, "error", nil, "simulated failure")
		return
	}

	switch {
	case r.URL.Path == endpointInfo:
		writeEnvelope(w, http.StatusOK, "success", g.info, "")
	case r.URL.Path == endpointDevices:
		writeEnvelope(w, http.StatusOK, "success", g.devices, "")
	case r.URL.Path == endpointLoads:
		writeEnvelope(w, http.StatusOK, "success", g.loads, "")
	case r.URL.Path == endpointRSSI:
		writeEnvelope(w, http.StatusOK, "success", rssiData{RSSI: g.rssi}, "")
	case r.URL.Path == endpointJobs:
		writeEnvelope(w, http.StatusOK, "success", g.jobs, "")
	case r.URL.Path == endpointFlags:
		writeEnvelope(w, http.StatusOK, "success", g.flags, "")
	case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/target_state"):
		idStr := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, endpointLoads+"/"), "/target_state")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			writeEnvelope(w, http.StatusNotFound, "error", nil, "no such load")
			return
		}
		body, _ := io.ReadAll(r.Body)
		g.targets = append(g.targets, targetCall{LoadID: id, Body: string(body)})
		writeEnvelope(w, http.StatusOK, "success", json.RawMessage(body), "")
	default:
		writeEnvelope(w, http.StatusNotFound, "error", nil, "not found")
	}
}

func writeEnvelope(w http.ResponseWriter, status int, result string, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": result, "data": data, "message": message})
}

func (g *fakeGateway) Fail(path string, status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[path] = status
}

func (g *fakeGateway) Recover(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, path)
}

func (g *fakeGateway) Calls(path string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[path]
}

func (g *fakeGateway) Targets() []targetCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]targetCall(nil), g.targets...)
}

func TestClientReadsInventory(t *testing.T) {
	_, c := newFakeGateway(t)
	ctx := context.Background()

	info, err := c.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5.1.2", info.SWVersion)

	devices, err := c.GetDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "Dimmer 2ch", devices[0].A.CommName)
	assert.Nil(t, devices[0].C)

	loads, err := c.GetLoads(ctx)
	require.NoError(t, err)
	require.Len(t, loads, 1)
	assert.Equal(t, Dimmer{}, loads[0].Variant())

	rssi, err := c.GetRSSI(ctx)
	require.NoError(t, err)
	assert.Equal(t, -61, rssi)

	jobs, err := c.GetJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, jobs[0].FlagIDs)

	flags, err := c.GetFlags(ctx)
	require.NoError(t, err)
	assert.Equal(t, "absent", flags[0].Symbol)
}

func TestClientSetTargetState(t *testing.T) {
	g, c := newFakeGateway(t)

	bri := 10000
	require.NoError(t, c.SetTargetState(context.Background(), 7, TargetState{Bri: &bri}))

	targets := g.Targets()
	require.Len(t, targets, 1)
	assert.Equal(t, 7, targets[0].LoadID)
	assert.JSONEq(t, `{"bri":10000}`, targets[0].Body)
}

func TestClientRejectsBadToken(t *testing.T) {
	_, good := newFakeGateway(t)

	c := NewClient(ClientConfig{Address: good.address, Token: "wrong"})
	_, err := c.GetLoads(context.Background())

	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid token", apiErr.Message)
	assert.Equal(t, endpointLoads, apiErr.Path)
}

func TestClientErrorEnvelopeWithOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, http.StatusOK, "error", nil, "busy")
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Address: strings.TrimPrefix(srv.URL, "http://"), Token: validTestToken})
	_, err := c.GetInfo(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusOK, apiErr.StatusCode)
	assert.Equal(t, "busy", apiErr.Message)
	assert.ErrorIs(t, err, ErrRequestFailed)
}

func TestClientNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "<html>bad gateway</html>", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Address: strings.TrimPrefix(srv.URL, "http://")})
	_, err := c.GetLoads(context.Background())

	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.Contains(t, err.Error(), "Bad Gateway")
}

func TestClientNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	c := NewClient(ClientConfig{Address: addr})
	_, err := c.GetLoads(context.Background())

	assert.ErrorIs(t, err, ErrRequestFailed)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Address: strings.TrimPrefix(srv.URL, "http://"), Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := c.GetRSSI(context.Background())

	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClientURLs(t *testing.T) {
	c := NewClient(ClientConfig{Address: "192.168.1.50", Token: validTestToken})

	assert.Equal(t, "ws://192.168.1.50/api", c.WebSocketURL())
	assert.Equal(t, "Bearer "+validTestToken, c.AuthHeader().Get("Authorization"))

	anon := NewClient(ClientConfig{Address: "192.168.1.50"})
	assert.Empty(t, anon.AuthHeader().Get("Authorization"))
}

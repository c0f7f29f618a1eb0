package wiser

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimServer(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestClaimToken(t *testing.T) {
	addr := claimServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, endpointClaim, r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var req claimRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeEnvelope(w, http.StatusOK, "success", claimResponse{Secret: validTestToken, User: req.User}, "")
	})

	token, err := ClaimToken(context.Background(), addr, "installer")
	require.NoError(t, err)
	assert.Equal(t, validTestToken, token)
}

func TestClaimTokenValidatesUser(t *testing.T) {
	for _, user := range []string{"", "abc", "inst aller", "user!"} {
		_, err := ClaimToken(context.Background(), "127.0.0.1:1", user)
		assert.ErrorIs(t, err, ErrInvalidUser, user)
	}
}

func TestClaimTokenTimeout(t *testing.T) {
	addr := claimServer(t, func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	_, err := ClaimToken(context.Background(), addr, "installer", WithClaimWindow(50*time.Millisecond))
	assert.ErrorIs(t, err, ErrClaimTimeout)
}

func TestClaimTokenCancelled(t *testing.T) {
	addr := claimServer(t, func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := ClaimToken(ctx, addr, "installer")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrClaimTimeout))
}

func TestClaimTokenRejected(t *testing.T) {
	addr := claimServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, http.StatusForbidden, "error", nil, "claiming is disabled")
	})

	_, err := ClaimToken(context.Background(), addr, "installer")
	assert.ErrorIs(t, err, ErrClaimRejected)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "claiming is disabled", apiErr.Message)
}

func TestClaimTokenWithoutSecret(t *testing.T) {
	addr := claimServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, http.StatusOK, "success", claimResponse{User: "installer"}, "")
	})

	_, err := ClaimToken(context.Background(), addr, "installer")
	assert.ErrorIs(t, err, ErrClaimRejected)
}

package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/cyberwave-os/cyberwave-cli/internal/model"
)

func newTestSession(t *testing.T, backendURL string) *Session {
	t.Helper()
	keyring.MockInit()
	s, err := NewSession(t.TempDir(), backendURL)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	t.Cleanup(s.Close)
	s.Connectivity.SetProbeTimeout(time.Second)
	return s
}

func TestSession_EnsureAuthenticatedNoCredentials(t *testing.T) {
	s := newTestSession(t, unreachableURL(t))

	_, err := s.EnsureAuthenticated(context.Background(), false)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestSession_EnsureAuthenticatedCachedValid(t *testing.T) {
	// Backend is unreachable: valid cached credentials must be returned
	// without any network traffic.
	s := newTestSession(t, unreachableURL(t))
	ctx := context.Background()

	seed := &model.Credentials{
		AccessToken: "cached",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := s.Vault.Save(ctx, seed); err != nil {
		t.Fatalf("seed vault: %v", err)
	}

	creds, err := s.EnsureAuthenticated(ctx, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.AccessToken != "cached" {
		t.Errorf("expected cached credentials, got %q", creds.AccessToken)
	}
}

func TestSession_EnsureAuthenticatedRefreshes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/token/refresh" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.RefreshToken != "rt-old" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-new",
			"refresh_token": "rt-new",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(ts.Close)

	s := newTestSession(t, ts.URL)
	ctx := context.Background()

	stale := &model.Credentials{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
		Email:        "edge@example.com",
	}
	if err := s.Vault.Save(ctx, stale); err != nil {
		t.Fatalf("seed vault: %v", err)
	}

	creds, err := s.EnsureAuthenticated(ctx, false)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if creds.AccessToken != "at-new" {
		t.Errorf("expected refreshed token, got %q", creds.AccessToken)
	}
	if creds.Email != "edge@example.com" {
		t.Errorf("refresh must preserve user identity, got %q", creds.Email)
	}

	// The refreshed credentials are persisted.
	stored, err := s.Vault.Load(ctx)
	if err != nil {
		t.Fatalf("vault load: %v", err)
	}
	if stored == nil || stored.AccessToken != "at-new" {
		t.Error("refreshed credentials not persisted")
	}
}

func TestSession_EnsureAuthenticatedRefreshRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	t.Cleanup(ts.Close)

	s := newTestSession(t, ts.URL)
	ctx := context.Background()

	stale := &model.Credentials{
		AccessToken:  "at-old",
		RefreshToken: "rt-revoked",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	if err := s.Vault.Save(ctx, stale); err != nil {
		t.Fatalf("seed vault: %v", err)
	}

	_, err := s.EnsureAuthenticated(ctx, false)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}

	// A rejected refresh clears the vault so the next login starts clean.
	stored, err := s.Vault.Load(ctx)
	if err != nil {
		t.Fatalf("vault load: %v", err)
	}
	if stored != nil {
		t.Error("expected vault cleared after rejected refresh")
	}
}

func TestSession_BearerForRequestOffline(t *testing.T) {
	s := newTestSession(t, unreachableURL(t))

	if _, ok := s.BearerForRequest(context.Background()); ok {
		t.Error("expected no bearer in offline mode")
	}
}

func TestSession_BearerForRequestHybrid(t *testing.T) {
	s := newTestSession(t, unreachableURL(t))
	ctx := context.Background()

	seed := &model.Credentials{
		AccessToken: "cached",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := s.Vault.Save(ctx, seed); err != nil {
		t.Fatalf("seed vault: %v", err)
	}

	bearer, ok := s.BearerForRequest(ctx)
	if !ok {
		t.Fatal("expected bearer with valid cached credentials")
	}
	if bearer != "Bearer cached" {
		t.Errorf("bearer = %q", bearer)
	}
}

func TestSession_RecordOfflineQueuesWhenUnreachable(t *testing.T) {
	s := newTestSession(t, unreachableURL(t))
	ctx := context.Background()

	queued, err := s.RecordOffline(ctx, "event", `{"action":"calibrate"}`)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if !queued {
		t.Error("expected record to be queued while unreachable")
	}
	if n := s.Connectivity.PendingCount(ctx); n != 1 {
		t.Errorf("expected 1 pending record, got %d", n)
	}
}

func TestSession_RecordOfflineDeliversWhenOnline(t *testing.T) {
	var mu sync.Mutex
	var delivered []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/nodes/events" {
			w.WriteHeader(http.StatusOK)
			return
		}
		var body struct {
			NodeID string `json:"node_id"`
			Kind   string `json:"kind"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		delivered = append(delivered, body.Kind)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	s := newTestSession(t, ts.URL)
	ctx := context.Background()

	seed := &model.Credentials{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := s.Vault.Save(ctx, seed); err != nil {
		t.Fatalf("seed vault: %v", err)
	}

	queued, err := s.RecordOffline(ctx, "event", `{"action":"calibrate"}`)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if queued {
		t.Error("expected direct delivery while online")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != "event" {
		t.Errorf("delivered = %v", delivered)
	}
	if n := s.Connectivity.PendingCount(ctx); n != 0 {
		t.Errorf("nothing should be queued, got %d", n)
	}
}

func TestSession_SyncRequiresReachableBackend(t *testing.T) {
	s := newTestSession(t, unreachableURL(t))
	ctx := context.Background()

	seed := &model.Credentials{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := s.Vault.Save(ctx, seed); err != nil {
		t.Fatalf("seed vault: %v", err)
	}
	if _, err := s.Connectivity.EnqueuePending(ctx, "edge_abc", "event", "{}"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, err := s.Sync(ctx)
	if err == nil {
		t.Fatal("expected sync to refuse while unreachable")
	}
	if !strings.Contains(err.Error(), "hybrid") {
		t.Errorf("error should name the mode: %v", err)
	}
	// The record stays queued.
	if n := s.Connectivity.PendingCount(ctx); n != 1 {
		t.Errorf("expected record kept, got %d pending", n)
	}
}

func TestSession_CurrentStatus(t *testing.T) {
	s := newTestSession(t, unreachableURL(t))
	ctx := context.Background()

	st, err := s.CurrentStatus(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if st.Identity == nil || st.Identity.NodeID == "" {
		t.Error("status must include the node identity")
	}
	if st.Authenticated {
		t.Error("expected unauthenticated status")
	}
	if st.State.Mode != model.ModeOffline {
		t.Errorf("expected offline, got %s", st.State.Mode)
	}
}

func TestSession_Logout(t *testing.T) {
	s := newTestSession(t, unreachableURL(t))
	ctx := context.Background()

	if err := s.Vault.Save(ctx, &model.Credentials{AccessToken: "tok"}); err != nil {
		t.Fatalf("seed vault: %v", err)
	}
	if err := s.Logout(ctx); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if err := s.Logout(ctx); err != nil {
		t.Fatalf("second logout failed: %v", err)
	}
	if _, err := s.EnsureAuthenticated(ctx, false); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated after logout, got %v", err)
	}
}

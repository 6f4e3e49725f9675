// Connectivity Manager: reachability probing, mode resolution, and the
// pending-sync queue.
//
// INVARIANTS:
// - Online is only entered after a successful health probe within the
//   probe timeout
// - Network failure never propagates as fatal; it downgrades the mode
// - Hybrid and Offline never block on network I/O
// - Queue replay is at-least-once; the server deduplicates on record_id
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/cyberwave-os/cyberwave-cli/internal/backend"
	"github.com/cyberwave-os/cyberwave-cli/internal/logger"
	"github.com/cyberwave-os/cyberwave-cli/internal/model"
)

// DefaultProbeTimeout keeps CLI commands responsive when the backend is
// unreachable.
const DefaultProbeTimeout = 3 * time.Second

// ConnectivityManager resolves the operating mode for one invocation and
// owns the pending-sync queue.
type ConnectivityManager struct {
	client       *backend.Client
	store        *LocalStore
	settings     *Settings
	probeTimeout time.Duration

	// lastProbe caches the probe result for the invocation. An explicit
	// URL override or environment switch starts with no cached state.
	lastProbe *model.ConnectivityState
}

// NewConnectivityManager creates a manager for the resolved environment.
// store may be nil when the local store is unavailable; queueing then
// degrades to an error the caller reports.
func NewConnectivityManager(client *backend.Client, store *LocalStore, settings *Settings) *ConnectivityManager {
	return &ConnectivityManager{
		client:       client,
		store:        store,
		settings:     settings,
		probeTimeout: DefaultProbeTimeout,
	}
}

// SetProbeTimeout overrides the probe timeout (tests, slow links).
func (m *ConnectivityManager) SetProbeTimeout(d time.Duration) {
	m.probeTimeout = d
}

// Probe performs one bounded-timeout health check. It never returns an
// error: unreachable is a result, not a failure.
func (m *ConnectivityManager) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	if err := m.client.Health(probeCtx); err != nil {
		logger.WithComponent("connectivity").Debug("health probe failed",
			"backend", m.client.BaseURL(), "error", err)
		return false
	}
	return true
}

// ResolveMode determines the operating mode: Online after a successful
// probe, Hybrid with cached credentials but no reachability, Offline with
// neither.
func (m *ConnectivityManager) ResolveMode(ctx context.Context, hasCachedCredentials bool) model.ConnectivityState {
	if m.lastProbe != nil && m.lastProbe.BackendURL == m.client.BaseURL() {
		return *m.lastProbe
	}

	state := model.ConnectivityState{
		BackendURL:  m.client.BaseURL(),
		FrontendURL: m.settings.FrontendURL(),
		ProbedAt:    time.Now().UTC(),
	}
	switch {
	case m.Probe(ctx):
		state.Mode = model.ModeOnline
	case hasCachedCredentials:
		state.Mode = model.ModeHybrid
	default:
		state.Mode = model.ModeOffline
	}

	m.lastProbe = &state
	return state
}

// EnqueuePending appends a record to the local queue for later replay.
func (m *ConnectivityManager) EnqueuePending(ctx context.Context, nodeID, kind, payload string) (*model.PendingRecord, error) {
	if m.store == nil {
		return nil, &StorageError{Op: "enqueue pending record", Err: fmt.Errorf("local store unavailable")}
	}
	return m.store.EnqueuePending(ctx, nodeID, kind, payload)
}

// PendingCount returns the current queue depth.
func (m *ConnectivityManager) PendingCount(ctx context.Context) int {
	if m.store == nil {
		return 0
	}
	n, err := m.store.CountPending(ctx)
	if err != nil {
		logger.WithComponent("connectivity").Debug("pending count failed", "error", err)
		return 0
	}
	return n
}

// DrainPending replays queued records against the backend, marking each
// synced on success. Stops at the first failure so the remainder is
// retried on the next Online invocation. Returns how many records synced.
func (m *ConnectivityManager) DrainPending(ctx context.Context, bearer string) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	records, err := m.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, rec := range records {
		if err := m.client.SyncRecord(ctx, bearer, rec); err != nil {
			return synced, fmt.Errorf("replay record %s: %w", rec.RecordID, err)
		}
		if err := m.store.MarkSynced(ctx, rec.RecordID); err != nil {
			// The record was delivered; a failed state flip means one
			// extra replay next time, which the server deduplicates.
			logger.WithComponent("connectivity").Warn("record delivered but not marked synced",
				"record_id", rec.RecordID, "error", err)
		}
		synced++
	}
	return synced, nil
}

// RegisterAndHeartbeat registers this node and reports liveness. Called
// only when Online; failures downgrade to a queued registration rather
// than failing the invocation.
func (m *ConnectivityManager) RegisterAndHeartbeat(ctx context.Context, bearer string, identity *model.NodeIdentity) error {
	if err := m.client.RegisterNode(ctx, bearer, identity); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	if err := m.client.Heartbeat(ctx, bearer, identity.NodeID); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Package model defines the core domain models for the Cyberwave CLI:
// node identity, credentials, device-flow sessions, and connectivity state.
package model

import (
	"time"
)

// NodeIdentity is the durable identity of this installation.
// node_id is generated once and never changes for the lifetime of the
// installation; last_seen is the only mutable field.
type NodeIdentity struct {
	NodeID         string    `json:"node_id"`
	NodeName       string    `json:"node_name"`
	Platform       string    `json:"platform"`
	Architecture   string    `json:"architecture"`
	Hostname       string    `json:"hostname"`
	MACAddress     string    `json:"mac_address,omitempty"`
	InstallationID string    `json:"installation_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	LastSeen       time.Time `json:"last_seen"`
}

// ExpirySkew is subtracted from a token's expiry so refresh happens
// before the backend starts rejecting the token.
const ExpirySkew = 60 * time.Second

// Credentials holds the tokens issued by the backend. A Credentials value
// is either fully absent or carries a non-empty AccessToken; the vault
// enforces atomic replace so partial state is never observable.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Email        string    `json:"email,omitempty"`
	WorkspaceID  string    `json:"workspace_id,omitempty"`
	ProjectID    string    `json:"project_id,omitempty"`
}

// Valid reports whether the credentials can still be used at now.
// The boundary is exclusive: expires_at == now counts as expired, and the
// skew triggers proactive refresh before hard expiry.
func (c *Credentials) Valid(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(c.ExpiresAt.Add(-ExpirySkew))
}

// DeviceAuthSession is the client-side view of one device-authorization
// attempt. It lives in memory for the duration of a single login and is
// never persisted. DeviceCode is opaque and used only for polling.
type DeviceAuthSession struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_url"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// ConnectivityMode describes how the CLI operates for one invocation.
type ConnectivityMode string

const (
	// ModeOnline is entered only after a successful health probe.
	ModeOnline ConnectivityMode = "online"
	// ModeHybrid means the backend is unreachable but cached credentials
	// exist; changes are queued for later sync.
	ModeHybrid ConnectivityMode = "hybrid"
	// ModeOffline means no reachability and no credentials; purely local.
	ModeOffline ConnectivityMode = "offline"
)

// ConnectivityState is derived per invocation and never persisted beyond
// the pending-sync queue.
type ConnectivityState struct {
	Mode        ConnectivityMode `json:"mode"`
	BackendURL  string           `json:"backend_url"`
	FrontendURL string           `json:"frontend_url"`
	ProbedAt    time.Time        `json:"probed_at"`
}

// PendingState tracks a queued record through replay.
type PendingState string

const (
	PendingStateQueued PendingState = "queued"
	PendingStateSynced PendingState = "synced"
)

// PendingRecord is one locally recorded event awaiting upload. RecordID is
// generated client-side so the server can deduplicate replays; delivery is
// at-least-once.
type PendingRecord struct {
	RecordID  string       `json:"record_id"`
	NodeID    string       `json:"node_id"`
	Kind      string       `json:"kind"`
	Payload   string       `json:"payload"` // JSON
	State     PendingState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
	SyncedAt  *time.Time   `json:"synced_at,omitempty"`
}

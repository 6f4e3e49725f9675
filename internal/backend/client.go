// Package backend is the HTTP client for the Cyberwave cloud API: device
// authorization, token refresh, health probing, and node registration.
// It owns the wire contract; callers see typed outcomes, never raw
// responses.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cyberwave-os/cyberwave-cli/internal/model"
)

const defaultTimeout = 30 * time.Second

// BackendError is a non-2xx response, surfaced with the HTTP status. The
// message comes from the response body's error field and never contains
// token material.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.Status)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Message)
}

// TransportError is a network-level failure (connect, timeout). The device
// poll loop retries these a bounded number of times; one-shot calls do not.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client talks to one backend base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// BaseURL returns the backend base URL this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// TokenResponse is the payload of a successful token exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		Email string `json:"email"`
	} `json:"user"`
	WorkspaceID string `json:"workspace_id"`
	ProjectID   string `json:"project_id"`
}

// Credentials converts the response into a stored Credentials value,
// deriving the absolute expiry from expires_in at receipt time.
func (t *TokenResponse) Credentials(now time.Time) *model.Credentials {
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	creds := &model.Credentials{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    tokenType,
		Email:        t.User.Email,
		WorkspaceID:  t.WorkspaceID,
		ProjectID:    t.ProjectID,
	}
	if t.ExpiresIn > 0 {
		creds.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return creds
}

// InitiateDeviceAuth starts a device-authorization session. Single
// attempt; the caller decides retry policy.
func (c *Client) InitiateDeviceAuth(ctx context.Context) (*model.DeviceAuthSession, error) {
	resp, err := c.postJSON(ctx, "/auth/device/initiate", map[string]any{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(resp)
	}
	var session model.DeviceAuthSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode device session: %w", err)
	}
	if session.DeviceCode == "" || session.UserCode == "" {
		return nil, fmt.Errorf("backend returned incomplete device session")
	}
	return &session, nil
}

// PollOutcome classifies one poll of the device token endpoint.
type PollOutcome int

const (
	// PollPending means the user has not completed the flow yet (202).
	PollPending PollOutcome = iota
	// PollToken means the flow completed and a token was issued (200).
	PollToken
	// PollExpired means the session expired server-side (410).
	PollExpired
	// PollDenied means the backend rejected the device code (400).
	PollDenied
)

// PollDeviceToken checks whether the device flow has completed.
func (c *Client) PollDeviceToken(ctx context.Context, deviceCode string) (PollOutcome, *TokenResponse, error) {
	resp, err := c.postJSON(ctx, "/auth/device/token", map[string]any{
		"device_code": deviceCode,
	})
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return PollPending, nil, nil
	case http.StatusOK:
		var token TokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
			return 0, nil, fmt.Errorf("decode token response: %w", err)
		}
		if token.AccessToken == "" {
			return 0, nil, fmt.Errorf("backend returned empty access token")
		}
		return PollToken, &token, nil
	case http.StatusGone:
		return PollExpired, nil, nil
	case http.StatusBadRequest:
		return PollDenied, nil, nil
	default:
		return 0, nil, errorFromResponse(resp)
	}
}

// RefreshToken exchanges a refresh token for a fresh token payload.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	resp, err := c.postJSON(ctx, "/auth/token/refresh", map[string]any{
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(resp)
	}
	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("backend returned empty access token")
	}
	return &token, nil
}

// Health probes the health endpoint. Any 2xx counts as reachable. The
// context carries the probe deadline.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: "health probe", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &BackendError{Status: resp.StatusCode}
	}
	return nil
}

// RegisterNode registers this node with the backend. The node_id lets the
// server deduplicate repeated registrations.
func (c *Client) RegisterNode(ctx context.Context, bearer string, identity *model.NodeIdentity) error {
	resp, err := c.postJSONAuth(ctx, "/api/v1/nodes/register", bearer, identity)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	return nil
}

// Heartbeat reports liveness for a registered node.
func (c *Client) Heartbeat(ctx context.Context, bearer, nodeID string) error {
	resp, err := c.postJSONAuth(ctx, "/api/v1/nodes/heartbeat", bearer, map[string]any{
		"node_id": nodeID,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	return nil
}

// SyncRecord replays one pending record. The client-generated record_id
// travels with the payload so the server can deduplicate; delivery is
// at-least-once from this side.
func (c *Client) SyncRecord(ctx context.Context, bearer string, rec *model.PendingRecord) error {
	resp, err := c.postJSONAuth(ctx, "/api/v1/nodes/events", bearer, map[string]any{
		"record_id":  rec.RecordID,
		"node_id":    rec.NodeID,
		"kind":       rec.Kind,
		"payload":    json.RawMessage(rec.Payload),
		"created_at": rec.CreatedAt,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.post(ctx, path, "", body)
}

func (c *Client) postJSONAuth(ctx context.Context, path, bearer string, body any) (*http.Response, error) {
	return c.post(ctx, path, bearer, body)
}

func (c *Client) post(ctx context.Context, path, bearer string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "POST " + path, Err: err}
	}
	return resp, nil
}

// errorFromResponse builds a BackendError from a non-2xx response, pulling
// the error message out of the body when one is present.
func errorFromResponse(resp *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &body)
	msg := body.Error
	if msg == "" {
		msg = body.Message
	}
	if msg == "" {
		msg = body.Detail
	}
	return &BackendError{Status: resp.StatusCode, Message: msg}
}

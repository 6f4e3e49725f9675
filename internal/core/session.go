// Session Facade: the single entry point CLI commands call. Composes the
// identity store, vault, authenticator, and connectivity manager for one
// process invocation. No hidden singletons: construct once, pass it in.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/cyberwave-os/cyberwave-cli/internal/backend"
	"github.com/cyberwave-os/cyberwave-cli/internal/logger"
	"github.com/cyberwave-os/cyberwave-cli/internal/model"
)

// Session wires the core components for a single CLI invocation.
type Session struct {
	Settings     *Settings
	Identity     *IdentityStore
	Vault        *Vault
	Auth         *Authenticator
	Connectivity *ConnectivityManager

	client *backend.Client
	store  *LocalStore

	// Out receives user-facing login prompts (user code, verification
	// URL). Defaults to stdout.
	Out io.Writer
}

// NewSession resolves the environment, opens local state, and builds the
// component graph. A failed local store open degrades to keyring-only
// credentials and no pending queue; it is reported, not fatal.
func NewSession(configDir, overrideURL string) (*Session, error) {
	settings, err := NewSettings(configDir, overrideURL)
	if err != nil {
		return nil, err
	}

	store, err := OpenLocalStore(settings.ConfigDir())
	if err != nil {
		logger.WithComponent("session").Warn("local store unavailable, continuing without it", "error", err)
		store = nil
	}

	client := backend.NewClient(settings.BackendURL())
	vault := NewVault(store)
	identity := NewIdentityStore(settings.ConfigDir())

	s := &Session{
		Settings:     settings,
		Identity:     identity,
		Vault:        vault,
		Auth:         NewAuthenticator(client, vault),
		Connectivity: NewConnectivityManager(client, store, settings),
		client:       client,
		store:        store,
		Out:          os.Stdout,
	}

	identity.TouchLastSeen()
	return s, nil
}

// Close releases local state handles.
func (s *Session) Close() {
	if s.store != nil {
		s.store.Close()
	}
}

// EnsureAuthenticated returns valid cached credentials, refreshing them
// when stale. With interactive set it falls back to the device flow;
// otherwise it fails with ErrNotAuthenticated.
func (s *Session) EnsureAuthenticated(ctx context.Context, interactive bool) (*model.Credentials, error) {
	creds, err := s.Vault.Load(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if creds.Valid(now) {
		return creds, nil
	}

	if creds != nil && creds.RefreshToken != "" {
		refreshed, err := s.refresh(ctx, creds)
		if err == nil {
			return refreshed, nil
		}
		var berr *backend.BackendError
		if errors.As(err, &berr) {
			// Refresh token expired or revoked: clear and require a
			// fresh interactive login.
			logger.WithComponent("session").Debug("refresh rejected, clearing credentials",
				"status", berr.Status)
			s.Vault.Clear(ctx)
		} else {
			logger.WithComponent("session").Debug("refresh unavailable", "error", err)
		}
	}

	if !interactive {
		return nil, ErrNotAuthenticated
	}
	return s.Login(ctx, true)
}

// refresh exchanges the refresh token and persists the result.
func (s *Session) refresh(ctx context.Context, creds *model.Credentials) (*model.Credentials, error) {
	token, err := s.client.RefreshToken(ctx, creds.RefreshToken)
	if err != nil {
		return nil, err
	}
	fresh := token.Credentials(time.Now())
	if fresh.Email == "" {
		fresh.Email = creds.Email
	}
	if fresh.WorkspaceID == "" {
		fresh.WorkspaceID = creds.WorkspaceID
	}
	if fresh.ProjectID == "" {
		fresh.ProjectID = creds.ProjectID
	}
	if err := s.Vault.Save(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Login drives the full device-authorization flow: initiate, present the
// user code, optionally open a browser, poll to completion. Credentials
// are persisted before return.
func (s *Session) Login(ctx context.Context, openBrowser bool) (*model.Credentials, error) {
	session, err := s.Auth.Initiate(ctx)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(s.Out, "\nTo sign in, visit:\n\n    %s\n\nand enter code: %s\n\n",
		session.VerificationURL, session.UserCode)
	if openBrowser {
		OpenBrowser(session.VerificationURL)
	}
	fmt.Fprintln(s.Out, "Waiting for approval...")

	creds, err := s.Auth.Poll(ctx, session)
	if err != nil {
		if errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrAuthDenied) {
			// Print the code again so the user can retry by hand.
			fmt.Fprintf(s.Out, "Login did not complete. Visit %s and enter %s after running 'cyberwave login' again.\n",
				session.VerificationURL, session.UserCode)
		}
		return nil, err
	}
	return creds, nil
}

// Logout clears stored credentials from every backend.
func (s *Session) Logout(ctx context.Context) error {
	return s.Vault.Clear(ctx)
}

// BearerForRequest returns the Authorization header value for an
// authenticated request, or ok=false when operating without auth
// (Offline mode, or no usable credentials). Callers handle false by
// operating locally.
func (s *Session) BearerForRequest(ctx context.Context) (string, bool) {
	creds, err := s.Vault.Load(ctx)
	if err != nil {
		return "", false
	}
	state := s.Connectivity.ResolveMode(ctx, creds != nil)
	if state.Mode == model.ModeOffline {
		return "", false
	}
	if state.Mode == model.ModeOnline && !creds.Valid(time.Now()) {
		if refreshed, err := s.EnsureAuthenticated(ctx, false); err == nil {
			creds = refreshed
		}
	}
	if !creds.Valid(time.Now()) {
		return "", false
	}
	tokenType := creds.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + creds.AccessToken, true
}

// RecordOffline records an event: forwarded directly to the backend when
// Online, queued for later sync otherwise. Returns true when the record
// was queued rather than delivered.
func (s *Session) RecordOffline(ctx context.Context, kind, payload string) (queued bool, err error) {
	identity, err := s.Identity.GetOrCreateIdentity()
	if err != nil {
		var serr *StorageError
		if !errors.As(err, &serr) {
			return false, err
		}
		// In-memory identity still carries a usable node_id.
		logger.WithComponent("session").Warn("identity not persisted", "error", err)
	}

	if bearer, ok := s.BearerForRequest(ctx); ok {
		state := s.Connectivity.ResolveMode(ctx, true)
		if state.Mode == model.ModeOnline {
			rec := &model.PendingRecord{
				RecordID:  uuid.NewString(),
				NodeID:    identity.NodeID,
				Kind:      kind,
				Payload:   orEmptyJSON(payload),
				CreatedAt: time.Now().UTC(),
			}
			if err := s.client.SyncRecord(ctx, bearer, rec); err == nil {
				return false, nil
			}
			// Delivery failed mid-invocation: fall through to the queue.
		}
	}

	if _, err := s.Connectivity.EnqueuePending(ctx, identity.NodeID, kind, payload); err != nil {
		return false, err
	}
	return true, nil
}

// Sync drains the pending queue when Online. Returns how many records
// were replayed.
func (s *Session) Sync(ctx context.Context) (int, error) {
	creds, err := s.EnsureAuthenticated(ctx, false)
	if err != nil {
		return 0, err
	}
	state := s.Connectivity.ResolveMode(ctx, true)
	if state.Mode != model.ModeOnline {
		return 0, fmt.Errorf("backend unreachable (%s mode): queued records kept for later sync", state.Mode)
	}
	tokenType := creds.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return s.Connectivity.DrainPending(ctx, tokenType+" "+creds.AccessToken)
}

// Status summarizes the session for the status command.
type Status struct {
	Identity      *model.NodeIdentity     `json:"identity"`
	Email         string                  `json:"email,omitempty"`
	Authenticated bool                    `json:"authenticated"`
	State         model.ConnectivityState `json:"connectivity"`
	PendingCount  int                     `json:"pending_count"`
}

// CurrentStatus resolves identity, auth, and connectivity in one shot.
func (s *Session) CurrentStatus(ctx context.Context) (*Status, error) {
	identity, err := s.Identity.GetOrCreateIdentity()
	if err != nil {
		var serr *StorageError
		if !errors.As(err, &serr) {
			return nil, err
		}
	}
	creds, _ := s.Vault.Load(ctx)
	state := s.Connectivity.ResolveMode(ctx, creds != nil)

	st := &Status{
		Identity:      identity,
		Authenticated: creds.Valid(time.Now()),
		State:         state,
		PendingCount:  s.Connectivity.PendingCount(ctx),
	}
	if creds != nil {
		st.Email = creds.Email
	}
	return st, nil
}

func orEmptyJSON(payload string) string {
	if payload == "" {
		return "{}"
	}
	return payload
}

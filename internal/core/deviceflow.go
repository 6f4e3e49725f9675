// Device-Flow Authenticator.
//
// State machine: Idle -> Initiated -> Polling -> {Succeeded | Expired |
// Denied | Error}. The poll loop is the only suspending operation in the
// core: it sleeps session.interval between round-trips and observes
// cancellation at every sleep boundary, not just before the network call.
package core

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/cyberwave-os/cyberwave-cli/internal/backend"
	"github.com/cyberwave-os/cyberwave-cli/internal/logger"
	"github.com/cyberwave-os/cyberwave-cli/internal/model"
)

// maxConsecutiveTransportErrors bounds how many network blips the poll
// loop absorbs before aborting.
const maxConsecutiveTransportErrors = 2

// Authenticator drives the device-authorization grant against the backend
// and persists the result through the vault.
type Authenticator struct {
	client *backend.Client
	vault  *Vault
}

// NewAuthenticator wires the authenticator to a backend client and vault.
func NewAuthenticator(client *backend.Client, vault *Vault) *Authenticator {
	return &Authenticator{client: client, vault: vault}
}

// Initiate starts a device-authorization session. Single attempt: non-2xx
// surfaces as a BackendError and the caller decides whether to retry.
func (a *Authenticator) Initiate(ctx context.Context) (*model.DeviceAuthSession, error) {
	session, err := a.client.InitiateDeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initiate device authorization: %w", err)
	}
	return session, nil
}

// Poll waits for the user to approve the session, then stores the issued
// credentials in the vault before returning them. Terminal states map to
// ErrAuthExpired and ErrAuthDenied.
func (a *Authenticator) Poll(ctx context.Context, session *model.DeviceAuthSession) (*model.Credentials, error) {
	interval := time.Duration(session.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(session.ExpiresIn) * time.Second)

	transportFailures := 0
	for {
		outcome, token, err := a.client.PollDeviceToken(ctx, session.DeviceCode)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var terr *backend.TransportError
			if errors.As(err, &terr) {
				transportFailures++
				if transportFailures >= maxConsecutiveTransportErrors {
					return nil, fmt.Errorf("poll device token: %w", err)
				}
				logger.WithComponent("deviceflow").Debug("transient poll failure, backing off",
					"attempt", transportFailures)
				// One backoff retry to absorb a network blip.
				if err := sleepCtx(ctx, interval+interval/2); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("poll device token: %w", err)
		}
		transportFailures = 0

		switch outcome {
		case backend.PollToken:
			creds := token.Credentials(time.Now())
			if err := a.vault.Save(ctx, creds); err != nil {
				return nil, fmt.Errorf("store credentials: %w", err)
			}
			return creds, nil
		case backend.PollExpired:
			return nil, ErrAuthExpired
		case backend.PollDenied:
			return nil, ErrAuthDenied
		}

		if time.Now().After(deadline) {
			return nil, ErrAuthExpired
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return nil, err
		}
	}
}

// sleepCtx sleeps for d or returns early when ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// OpenBrowser tries to open the verification URL in the user's browser.
// Allowed to fail silently (headless host); the caller already printed the
// URL as fallback.
func OpenBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		logger.WithComponent("deviceflow").Debug("could not open browser", "error", err)
	}
}

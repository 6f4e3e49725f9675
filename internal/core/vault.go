// Credential Vault: atomic load/save/clear over two storage backends.
//
// Each backend answers a lookup with Found, NotFound, or Unavailable and
// the vault folds the chain deterministically: platform keyring first,
// encrypted local store second. Save writes both so a later keyring
// failure does not orphan the user; it fails only when both writes fail.
//
// INVARIANTS:
// - Token material never appears in logs or error messages
// - A load never fails the caller: undecodable state reads as absent
// - Clear is idempotent across both backends
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/cyberwave-os/cyberwave-cli/internal/logger"
	"github.com/cyberwave-os/cyberwave-cli/internal/model"
)

const (
	keyringService = "cyberwave-cli"
	keyringUser    = "credentials"
)

// lookupStatus tags the outcome of one backend read.
type lookupStatus int

const (
	lookupFound lookupStatus = iota
	lookupNotFound
	lookupUnavailable
)

// credentialBackend is one storage location for the credentials payload.
type credentialBackend interface {
	name() string
	load(ctx context.Context) (*model.Credentials, lookupStatus)
	save(ctx context.Context, creds *model.Credentials) error
	clear(ctx context.Context) error
}

// Vault owns all credential persistence. Other components never touch the
// keyring or the store file directly.
type Vault struct {
	backends []credentialBackend
}

// NewVault builds the default two-backend vault. store may be nil when the
// local store could not be opened; the vault then runs keyring-only.
func NewVault(store *LocalStore) *Vault {
	backends := []credentialBackend{&keyringBackend{}}
	if store != nil {
		backends = append(backends, &storeBackend{store: store})
	}
	return &Vault{backends: backends}
}

// Load returns the first credentials found across the backend chain, or
// (nil, nil) if no backend has a usable value.
func (v *Vault) Load(ctx context.Context) (*model.Credentials, error) {
	log := logger.WithComponent("vault")
	for _, b := range v.backends {
		creds, status := b.load(ctx)
		switch status {
		case lookupFound:
			return creds, nil
		case lookupUnavailable:
			log.Debug("credential backend unavailable", "backend", b.name())
		}
	}
	return nil, nil
}

// Save writes to every backend. It reports failure only when all writes
// fail, wrapping the last error.
func (v *Vault) Save(ctx context.Context, creds *model.Credentials) error {
	if creds == nil || creds.AccessToken == "" {
		return fmt.Errorf("refusing to save empty credentials")
	}
	log := logger.WithComponent("vault")
	var lastErr error
	saved := 0
	for _, b := range v.backends {
		if err := b.save(ctx, creds); err != nil {
			log.Debug("credential backend save failed", "backend", b.name(), "error", err)
			lastErr = err
			continue
		}
		saved++
	}
	if saved == 0 {
		return &StorageError{Op: "save credentials", Err: lastErr}
	}
	return nil
}

// Clear removes credentials from every backend. Never errors when nothing
// was present.
func (v *Vault) Clear(ctx context.Context) error {
	var lastErr error
	for _, b := range v.backends {
		if err := b.clear(ctx); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return &StorageError{Op: "clear credentials", Err: lastErr}
	}
	return nil
}

// --- platform keyring backend ---

type keyringBackend struct{}

func (b *keyringBackend) name() string { return "keyring" }

func (b *keyringBackend) load(ctx context.Context) (*model.Credentials, lookupStatus) {
	payload, err := keyring.Get(keyringService, keyringUser)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, lookupNotFound
		}
		// Locked, unsupported platform, headless session: fall through.
		return nil, lookupUnavailable
	}
	var creds model.Credentials
	if err := json.Unmarshal([]byte(payload), &creds); err != nil || creds.AccessToken == "" {
		return nil, lookupNotFound
	}
	return &creds, lookupFound
}

func (b *keyringBackend) save(ctx context.Context, creds *model.Credentials) error {
	payload, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	return keyring.Set(keyringService, keyringUser, string(payload))
}

func (b *keyringBackend) clear(ctx context.Context) error {
	err := keyring.Delete(keyringService, keyringUser)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// --- encrypted local store backend ---

type storeBackend struct {
	store *LocalStore
}

func (b *storeBackend) name() string { return "local store" }

func (b *storeBackend) load(ctx context.Context) (*model.Credentials, lookupStatus) {
	creds, err := b.store.LoadCredentials(ctx)
	if err != nil {
		return nil, lookupUnavailable
	}
	if creds == nil {
		return nil, lookupNotFound
	}
	return creds, lookupFound
}

func (b *storeBackend) save(ctx context.Context, creds *model.Credentials) error {
	return b.store.SaveCredentials(ctx, creds)
}

func (b *storeBackend) clear(ctx context.Context) error {
	return b.store.ClearCredentials(ctx)
}

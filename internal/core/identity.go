// Identity Store: generates and persists the durable node identity.
//
// INVARIANTS:
// - node_id is generated once and never regenerated
// - Concurrent first runs converge on a single persisted node_id
//   (exclusive-create; the loser re-reads the winner's record)
// - Persistence failures degrade to an in-memory identity, never fatal
package core

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/cyberwave-os/cyberwave-cli/internal/logger"
	"github.com/cyberwave-os/cyberwave-cli/internal/model"
)

// Version is the CLI version recorded in the identity and sent with every
// registration. Overridden at build time via -ldflags.
var Version = "dev"

const identityFileName = "identity.json"

// IdentityStore persists the node identity under the config directory.
type IdentityStore struct {
	dir string
}

// NewIdentityStore creates a store rooted at the given config directory.
func NewIdentityStore(dir string) *IdentityStore {
	return &IdentityStore{dir: dir}
}

func (s *IdentityStore) path() string {
	return filepath.Join(s.dir, identityFileName)
}

// GetOrCreateIdentity returns the persisted identity, creating it on first
// use. Repeated calls return the same node_id. If the filesystem is not
// writable the generated identity is returned alongside a StorageError so
// the invocation can continue without persistence.
func (s *IdentityStore) GetOrCreateIdentity() (*model.NodeIdentity, error) {
	if id, err := s.read(); err == nil {
		return id, nil
	}

	id := newIdentity()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return id, &StorageError{Op: "create identity dir", Err: err}
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return id, &StorageError{Op: "encode identity", Err: err}
	}

	// O_EXCL makes creation the race arbiter: exactly one concurrent
	// invocation wins, everyone else re-reads the winner's record.
	f, err := os.OpenFile(s.path(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			if existing, rerr := s.read(); rerr == nil {
				return existing, nil
			}
			return id, &StorageError{Op: "read identity after race", Err: err}
		}
		return id, &StorageError{Op: "create identity", Err: err}
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return id, &StorageError{Op: "write identity", Err: err}
	}
	if err := f.Sync(); err != nil {
		return id, &StorageError{Op: "sync identity", Err: err}
	}
	return id, nil
}

// TouchLastSeen updates last_seen to now. Best-effort: failures are logged
// and never fatal.
func (s *IdentityStore) TouchLastSeen() {
	id, err := s.read()
	if err != nil {
		logger.WithComponent("identity").Debug("skip last_seen update", "error", err)
		return
	}
	id.LastSeen = time.Now().UTC()
	if err := s.writeAtomic(id); err != nil {
		logger.WithComponent("identity").Warn("failed to update last_seen", "error", err)
	}
}

func (s *IdentityStore) read() (*model.NodeIdentity, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		return nil, err
	}
	var id model.NodeIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("corrupt identity record: %w", err)
	}
	if id.NodeID == "" {
		return nil, fmt.Errorf("identity record missing node_id")
	}
	return &id, nil
}

// writeAtomic rewrites the identity record via write-to-temp-then-rename
// so a concurrent reader never observes a half-written record.
func (s *IdentityStore) writeAtomic(id *model.NodeIdentity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return &StorageError{Op: "encode identity", Err: err}
	}
	tmp, err := os.CreateTemp(s.dir, ".identity-*")
	if err != nil {
		return &StorageError{Op: "create temp identity", Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StorageError{Op: "write temp identity", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "close temp identity", Err: err}
	}
	os.Chmod(tmpName, 0o600)
	if err := os.Rename(tmpName, s.path()); err != nil {
		os.Remove(tmpName)
		return &StorageError{Op: "replace identity", Err: err}
	}
	return nil
}

// newIdentity generates a fresh identity for this machine.
func newIdentity() *model.NodeIdentity {
	now := time.Now().UTC()
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return &model.NodeIdentity{
		NodeID:         generateNodeID(now),
		NodeName:       hostname,
		Platform:       runtime.GOOS,
		Architecture:   runtime.GOARCH,
		Hostname:       hostname,
		MACAddress:     primaryMAC(),
		InstallationID: uuid.NewString(),
		Version:        Version,
		CreatedAt:      now,
		LastSeen:       now,
	}
}

// generateNodeID builds the globally unique edge_{timestamp_hex}{random_hex}
// identifier. Eight random bytes make collisions negligible.
func generateNodeID(now time.Time) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to
		// the installation UUID path rather than panic.
		return fmt.Sprintf("edge_%x%s", now.Unix(), uuid.NewString()[:16])
	}
	return fmt.Sprintf("edge_%x%s", now.Unix(), hex.EncodeToString(buf))
}

// primaryMAC returns the hardware address of the first non-loopback
// interface that has one, or empty if none is found.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if addr := iface.HardwareAddr.String(); addr != "" {
			return addr
		}
	}
	return ""
}

// Command implementations. Each Run* function builds a Session for the
// invocation, performs one facade operation, and renders the result.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"golang.org/x/term"

	"github.com/cyberwave-os/cyberwave-cli/internal/core"
	"github.com/cyberwave-os/cyberwave-cli/internal/model"
)

// newSession constructs the per-invocation session from the global flags.
func newSession() (*core.Session, error) {
	dir := core.ResolveConfigDir(configDir)
	return core.NewSession(dir, apiURL)
}

// withInterrupt returns a context cancelled by Ctrl-C so the device-flow
// poll loop terminates promptly instead of waiting for the next tick.
func withInterrupt(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// RunLogin authenticates via the device flow.
func RunLogin(ctx context.Context, noBrowser bool) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := withInterrupt(ctx)
	defer cancel()

	// Short-circuit when the cached credentials still work.
	if creds, err := s.EnsureAuthenticated(ctx, false); err == nil {
		who := creds.Email
		if who == "" {
			who = "this machine"
		}
		fmt.Printf("Already logged in as %s. Run 'cyberwave logout' to switch accounts.\n", who)
		return nil
	}

	// Only try the browser on an interactive terminal; a headless host
	// gets the printed URL.
	openBrowser := !noBrowser && term.IsTerminal(int(os.Stdout.Fd()))

	creds, err := s.Login(ctx, openBrowser)
	if err != nil {
		return err
	}

	who := creds.Email
	if who == "" {
		who = "this machine"
	}
	fmt.Printf("Logged in as %s.\n", who)

	// Best-effort registration while we know the backend is reachable.
	if identity, ierr := s.Identity.GetOrCreateIdentity(); ierr == nil {
		if bearer, ok := s.BearerForRequest(ctx); ok {
			if rerr := s.Connectivity.RegisterAndHeartbeat(ctx, bearer, identity); rerr != nil {
				fmt.Printf("Node registration deferred: %v\n", rerr)
			}
		}
	}
	return nil
}

// RunLogout clears stored credentials.
func RunLogout(ctx context.Context) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}

// RunStatus prints identity, auth, and connectivity state.
func RunStatus(ctx context.Context, jsonOutput bool) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := withInterrupt(ctx)
	defer cancel()

	st, err := s.CurrentStatus(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Printf("Node:         %s (%s)\n", st.Identity.NodeID, st.Identity.NodeName)
	fmt.Printf("Platform:     %s/%s\n", st.Identity.Platform, st.Identity.Architecture)
	if st.Authenticated {
		who := st.Email
		if who == "" {
			who = "authenticated"
		}
		fmt.Printf("Auth:         logged in (%s)\n", who)
	} else {
		fmt.Println("Auth:         not logged in")
	}
	fmt.Printf("Backend:      %s\n", st.State.BackendURL)
	fmt.Printf("Connectivity: %s\n", st.State.Mode)
	if st.PendingCount > 0 {
		fmt.Printf("Pending sync: %d record(s) queued — run 'cyberwave sync' when online\n", st.PendingCount)
	}
	if st.State.Mode != model.ModeOnline {
		fmt.Println("Note: backend unreachable; changes are recorded locally and synced later.")
	}
	return nil
}

// RunConfigGet prints one config value.
func RunConfigGet(key string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	value := settings.Get(key)
	if value == "" {
		return fmt.Errorf("no value set for %q", key)
	}
	fmt.Println(value)
	return nil
}

// RunConfigSet persists one config value.
func RunConfigSet(key, value string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	if err := settings.Set(key, value); err != nil {
		return err
	}
	fmt.Printf("%s = %s\n", key, value)
	return nil
}

// RunConfigList prints the resolved configuration, flags and env included.
func RunConfigList() error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	all := settings.AllSettings()
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s = %v\n", k, all[k])
	}
	fmt.Printf("backend_url = %s (resolved)\n", settings.BackendURL())
	fmt.Printf("frontend_url = %s (resolved)\n", settings.FrontendURL())
	return nil
}

// RunSync replays queued offline records.
func RunSync(ctx context.Context) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := withInterrupt(ctx)
	defer cancel()

	n, err := s.Sync(ctx)
	if n > 0 {
		fmt.Printf("Synced %d record(s).\n", n)
	}
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("Nothing to sync.")
	}
	return nil
}

// RunVersion prints the CLI version.
func RunVersion() error {
	fmt.Printf("cyberwave %s\n", core.Version)
	return nil
}

func loadSettings() (*core.Settings, error) {
	dir := core.ResolveConfigDir(configDir)
	return core.NewSettings(dir, apiURL)
}

// Package cli implements the Cyberwave command-line interface.
// Commands map 1:1 onto Session Facade operations; no background daemon,
// every network interaction happens inside one explicit invocation.
package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/cyberwave-os/cyberwave-cli/internal/core"
	"github.com/cyberwave-os/cyberwave-cli/internal/logger"
)

// Exit codes. Scripts branch on ExitNotAuthenticated to trigger a login.
const (
	ExitOK               = 0
	ExitFailure          = 1
	ExitNotAuthenticated = 3
)

var (
	// Global flags
	verbose   bool
	configDir string
	apiURL    string
)

// rootCmd is the base command for the Cyberwave CLI.
var rootCmd = &cobra.Command{
	Use:   "cyberwave",
	Short: "Cyberwave edge agent CLI",
	Long: `Command-line interface for Cyberwave edge nodes.

Authenticates this machine against the Cyberwave cloud using the
device-authorization flow, keeps working from cached credentials when the
backend is unreachable, and queues local events for later sync.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(verbose)
	},
}

// Execute runs the root command and maps errors to exit codes.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		if core.IsNotAuthenticated(err) {
			return ExitNotAuthenticated
		}
		return ExitFailure
	}
	return ExitOK
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "Use alternate config directory")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Backend URL override (highest precedence)")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate this machine via the device flow",
	Long: `Authenticate this machine with the Cyberwave cloud.

Starts a device-authorization session, prints a short code and a
verification URL, and waits until the code is approved in a browser
(on this machine or any other). No password ever touches this terminal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noBrowser, _ := cmd.Flags().GetBool("no-browser")
		return RunLogin(cmd.Context(), noBrowser)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunLogout(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show identity, authentication, and connectivity state",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		return RunStatus(cmd.Context(), jsonOutput)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write persisted configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a config value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunConfigGet(args[0])
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a config value",
	Long: `Persist a config value to the config file.

Well-known keys:
  environment    production | staging | local
  api_url        backend URL (overrides the environment's default)
  frontend_url   frontend URL used in verification links
  workspace_id   default workspace for new resources
  project_id     default project for new resources`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunConfigSet(args[0], args[1])
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunConfigList()
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued offline records against the backend",
	Long: `Replay records queued while offline.

Replay is explicit: nothing syncs in the background. Each record carries
a locally generated id so the server deduplicates repeats; delivery is
at-least-once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunSync(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunVersion()
	},
}

func init() {
	loginCmd.Flags().Bool("no-browser", false, "Do not try to open the verification URL in a browser")
	statusCmd.Flags().Bool("json", false, "Output as JSON")

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configListCmd)
}

// printError reports a command failure on stderr with a hint for the
// auth-specific cases.
func printError(err error) {
	switch {
	case errors.Is(err, core.ErrAuthExpired), errors.Is(err, core.ErrAuthDenied):
		logger.Get().Error(err.Error())
	default:
		logger.Get().Error("command failed", "error", err)
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/digiplayer/agent/internal/agent"
	"github.com/digiplayer/agent/internal/config"
	"github.com/digiplayer/agent/internal/heartbeat"
	"github.com/digiplayer/agent/internal/identity"
	"github.com/digiplayer/agent/internal/logging"
	"github.com/digiplayer/agent/internal/store"
	"github.com/digiplayer/agent/internal/sysinfo"
	"github.com/digiplayer/agent/pkg/api"
)

var (
	version = "0.1.0"
	cfgFile string
)

// Exit codes for scripts and the service supervisor.
const (
	exitOK              = 0
	exitNotConfigured   = 2
	exitTransport       = 3
	exitInvalidArgument = 4
)

var rootCmd = &cobra.Command{
	Use:   "digiplayer-agent",
	Short: "DigiPlayer signage agent",
	Long:  `DigiPlayer Agent - on-device agent for networked signage players`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show device identity and registration state",
	Run: func(cmd *cobra.Command, args []string) {
		showStatus()
	},
}

var showIDCmd = &cobra.Command{
	Use:   "show-id",
	Short: "Print the device id",
	Run: func(cmd *cobra.Command, args []string) {
		showDeviceID()
	},
}

var setPlayerCmd = &cobra.Command{
	Use:   "set-player [player-id]",
	Short: "Assign the player id locally",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setPlayer(args[0])
	},
}

var setServerCmd = &cobra.Command{
	Use:   "set-server [url]",
	Short: "Set the control server URL",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setServer(args[0])
	},
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Send a single heartbeat and print the result",
	Run: func(cmd *cobra.Command, args []string) {
		oneShotHeartbeat()
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear registration state, keeping the device id",
	Run: func(cmd *cobra.Command, args []string) {
		resetRegistration()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("DigiPlayer Agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/digiplayer/agent.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(showIDCmd)
	rootCmd.AddCommand(setPlayerCmd)
	rootCmd.AddCommand(setServerCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalidArgument)
	}
}

// loadConfig loads and validates the configuration. Out-of-range values
// are clamped; each adjustment is reported on stderr.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(exitNotConfigured)
	}
	for _, verr := range cfg.Validate() {
		fmt.Fprintf(os.Stderr, "config adjusted: %v\n", verr)
	}
	return cfg
}

func initLogging(cfg *config.Config) {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Log file unavailable, logging to stderr: %v\n", err)
		} else {
			out = logging.TeeWriter(rw, os.Stderr)
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
}

func runAgent() {
	cfg := loadConfig()
	initLogging(cfg)

	a, err := agent.New(cfg, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start agent: %v\n", err)
		os.Exit(exitNotConfigured)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Agent stopped with error: %v\n", err)
		os.Exit(1)
	}
}

func showStatus() {
	cfg := loadConfig()

	fmt.Printf("Device ID:  %s\n", valueOr(cfg.DeviceID, "(not generated yet)"))
	if cfg.Registered() {
		fmt.Printf("Player ID:  %d\n", cfg.PlayerID)
	} else {
		fmt.Println("Player ID:  (not registered)")
	}
	fmt.Printf("Server:     %s\n", cfg.APIURL())
	fmt.Printf("Media dir:  %s\n", cfg.MediaDir)

	st, err := store.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err == nil {
		defer st.Close()
		if last, err := st.LastOnline(); err == nil && !last.IsZero() {
			fmt.Printf("Last online: %s\n", last.Local().Format(time.RFC1123))
		} else {
			fmt.Println("Last online: never")
		}
		if active, err := st.ActiveAssignment(); err == nil {
			fmt.Printf("Playlist:   %s (%d items)\n", active.PlaylistVersion, len(active.Items))
		}
	}

	if !cfg.Registered() {
		os.Exit(exitNotConfigured)
	}
}

func showDeviceID() {
	cfg := loadConfig()
	initLogging(cfg)

	id, err := identity.GetOrCreateDeviceID(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to derive device id: %v\n", err)
		os.Exit(exitNotConfigured)
	}
	fmt.Println(id)
}

func setPlayer(arg string) {
	playerID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || playerID <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid player id %q: must be a positive integer\n", arg)
		os.Exit(exitInvalidArgument)
	}

	cfg := loadConfig()
	cfg.PlayerID = playerID
	if err := config.SaveTo(cfg, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
		os.Exit(exitNotConfigured)
	}
	fmt.Printf("Player id set to %d\n", playerID)
}

func setServer(rawURL string) {
	cfg := loadConfig()
	cfg.ServerURL = rawURL
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "Invalid server URL: %v\n", err)
		}
		os.Exit(exitInvalidArgument)
	}
	if err := config.SaveTo(cfg, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
		os.Exit(exitNotConfigured)
	}
	fmt.Printf("Server set to %s\n", rawURL)
}

// oneShotHeartbeat sends one heartbeat outside the control loop, for
// install scripts and manual checks.
func oneShotHeartbeat() {
	cfg := loadConfig()
	initLogging(cfg)

	id, err := identity.GetOrCreateDeviceID(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to derive device id: %v\n", err)
		os.Exit(exitNotConfigured)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state store: %v\n", err)
		os.Exit(exitNotConfigured)
	}
	defer st.Close()

	hb := heartbeat.NewClient(heartbeat.Config{
		Cfg:          cfg,
		API:          api.NewClient(cfg.APIURL(), id),
		Store:        st,
		Collector:    sysinfo.NewCollector(cfg.MediaDir),
		AgentVersion: version,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := hb.Cycle(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Heartbeat failed: %v\n", err)
		os.Exit(exitTransport)
	}

	if !cfg.Registered() {
		fmt.Println("Heartbeat skipped: device not registered yet")
		os.Exit(exitNotConfigured)
	}

	fmt.Println("Heartbeat delivered")
	if result != nil && result.Command != nil {
		fmt.Printf("Pending command: %s (%s)\n", result.Command.Kind, result.Command.ID)
	}
	if result != nil && result.Assignment != nil {
		fmt.Printf("Assignment: %s (%d items)\n", result.Assignment.PlaylistVersion, len(result.Assignment.Items))
	}
}

func resetRegistration() {
	cfg := loadConfig()
	initLogging(cfg)

	st, err := store.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state store: %v\n", err)
		os.Exit(exitNotConfigured)
	}
	defer st.Close()

	if err := identity.ResetRegistration(cfg, st); err != nil {
		fmt.Fprintf(os.Stderr, "Reset failed: %v\n", err)
		os.Exit(exitNotConfigured)
	}
	fmt.Println("Registration cleared; device id kept")
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

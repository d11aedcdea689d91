// ABOUTME: Entry point for the orchestrad pool coordinator daemon
// ABOUTME: Subcommands: serve, config init, version

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/orchestra-dev/orchestra/internal/config"
	"github.com/orchestra-dev/orchestra/internal/orchestra"
	"github.com/orchestra-dev/orchestra/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _              _
  ___  _ __ ___| |__   ___  ___| |_ _ __ __ _
 / _ \| '__/ __| '_ \ / _ \/ __| __| '__/ _' |
| (_) | | | (__| | | |  __/\__ \ |_| | | (_| |
 \___/|_|  \___|_| |_|\___||___/\__|_|  \__,_|
`

const defaultConfigTemplate = `# orchestrad configuration
# Every field is optional; unset fields use the defaults shown here.

database:
  path: "orchestra.db"

scheduler:
  # How often the scheduler pairs pending tasks with idle agents.
  tick: "3s"
  # Consecutive task failures before an agent is parked in error status.
  failure_threshold: 3

agents:
  # An agent silent for this long is marked offline.
  heartbeat_timeout: "60s"
  # How often the liveness sweep runs.
  sweep_interval: "10s"

sessions:
  # A session with no traffic for this long is closed by the reaper.
  idle_threshold: "30m"
  reap_interval: "1m"
  # Per-session output buffer size in lines.
  buffer_capacity: 2000

connectors:
  connect_timeout: "10s"
  send_timeout: "5s"
  send_timeout_limit: 3
  reconnect: true
  backoff_base: "1s"
  backoff_max: "30s"
  max_attempts: 5

logging:
  level: "info"   # debug, info, warn, error
  format: "text"  # text, json
  # Uncomment to also write rotated log files:
  # file:
  #   path: "/var/log/orchestra/orchestrad.log"
  #   max_size_mb: 50
  #   max_backups: 5
  #   max_age_days: 30
  #   compress: true
`

// getConfigPath returns the path to the orchestrad config file.
// Priority: ORCHESTRA_CONFIG env var > ./orchestrad.yaml >
// XDG_CONFIG_HOME/orchestra/orchestrad.yaml > ~/.config/orchestra/orchestrad.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ORCHESTRA_CONFIG"); envPath != "" {
		return envPath
	}

	if _, err := os.Stat("orchestrad.yaml"); err == nil {
		return "orchestrad.yaml"
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "orchestrad.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "orchestra", "orchestrad.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: orchestrad <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                Start the pool coordinator")
		fmt.Println("  config init [path]   Write a default config file")
		fmt.Println("  version              Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "config":
		if len(os.Args) < 3 || os.Args[2] != "init" {
			fmt.Fprintln(os.Stderr, "Usage: orchestrad config init [path]")
			os.Exit(1)
		}
		err = runConfigInit(os.Args[3:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Tick:      %s\n", cfg.Scheduler.Tick)
	fmt.Println()

	logger.Info("starting orchestrad",
		"config", configPath,
		"database", cfg.Database.Path,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	o := orchestra.New(cfg, st, logger)
	if err := o.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestra: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	o.Shutdown()
	return nil
}

func runConfigInit(args []string) error {
	path := getConfigPath()
	if len(args) > 0 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var out io.Writer = os.Stdout
	if cfg.File.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		out = io.MultiWriter(os.Stdout, rotator)
	}

	var handler slog.Handler
	switch {
	case cfg.Format == "json":
		handler = slog.NewJSONHandler(out, opts)
	case cfg.File.Path != "":
		// Color codes do not belong in log files
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

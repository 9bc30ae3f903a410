// ABOUTME: Entry point for the agentrelay message bus
// ABOUTME: Runs the store, bus, and polling runner; admin subcommands for health and creds

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/halcyonops/agentrelay/internal/bus"
	"github.com/halcyonops/agentrelay/internal/config"
	"github.com/halcyonops/agentrelay/internal/creds"
	"github.com/halcyonops/agentrelay/internal/directory"
	"github.com/halcyonops/agentrelay/internal/registry"
	"github.com/halcyonops/agentrelay/internal/runner"
	"github.com/halcyonops/agentrelay/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                            _            _
  __ _  __ _  ___ _ __ | |_ _ __ ___| | __ _ _   _
 / _' |/ _' |/ _ \ '_ \| __| '__/ _ \ |/ _' | | | |
| (_| | (_| |  __/ | | | |_| | |  __/ | (_| | |_| |
 \__,_|\__, |\___|_| |_|\__|_|  \___|_|\__,_|\__, |
       |___/                                 |___/
`

const defaultCleanupInterval = time.Hour

// getConfigPath returns the path to the relay config file.
// Priority: AGENTRELAY_CONFIG env var > XDG_CONFIG_HOME/agentrelay/config.yaml > ~/.config/agentrelay/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENTRELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agentrelay", "config.yaml")
}

func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	if _, err := os.Stat(path); err != nil {
		return config.Default(), "(defaults)", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: agentrelay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the relay and polling runner")
		fmt.Println("  health   Run a message round-trip health check")
		fmt.Println("  stats    Print message and agent counters")
		fmt.Println("  types    List message types and their payload fields")
		fmt.Println("  creds    Show loaded credentials (masked) and probe them")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "stats":
		err = runStats(ctx)
	case "types":
		err = runTypes()
	case "creds":
		err = runCreds(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openBus builds the store, registry, and bus from config. The caller owns
// the returned store and must Close it.
func openBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*bus.Bus, *store.SQLiteStore, error) {
	dir := directory.Load(cfg.Directory.Path)

	st, err := store.NewSQLiteStore(cfg.Database.Path, store.Options{
		IntegrityKey: []byte(cfg.Database.IntegrityKey),
		Agents:       dir.Agents(),
		Types:        dir.Schema().Types(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	b, err := bus.New(registry.New(logger), st, bus.Options{
		Schema:              dir.Schema(),
		ConfirmationTimeout: cfg.Bus.ConfirmTimeout,
		Retention:           cfg.Bus.Retention,
		Logger:              logger,
	})
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("creating bus: %w", err)
	}

	// Every directory identity is registered up front so the well-known
	// agents (orchestrator included) are addressable from the first tick;
	// the runner's failure escalation depends on the orchestrator being a
	// valid recipient.
	for _, id := range dir.Agents() {
		if _, err := b.RegisterAgent(ctx, id, nil); err != nil {
			b.Destroy()
			st.Close()
			return nil, nil, fmt.Errorf("registering directory agent %s: %w", id, err)
		}
	}

	return b, st, nil
}

func runServe(ctx context.Context) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Runner.AgentID != "" {
		green.Print("    ▶ ")
		fmt.Printf("Agent:     %s\n", cfg.Runner.AgentID)
	}
	fmt.Println()

	logger.Info("starting agentrelay", "config", configPath, "database", cfg.Database.Path)

	b, st, err := openBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	defer b.Destroy()

	// Credentials load once at startup; placeholders are filtered here so
	// nothing downstream ever sees a template value.
	manager := creds.NewManager(cfg.Credentials.Names, creds.Options{
		SecretsFile: cfg.Credentials.SecretsFile,
		CacheTTL:    cfg.Credentials.CacheTTL,
		Logger:      logger,
	})
	for name := range manager.Available() {
		logger.Info("credential loaded", "name", name)
	}

	// The host owns the cleanup schedule; the bus only exposes the pass.
	cleanupInterval := cfg.Bus.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := b.CleanupOldMessages(ctx)
				if err != nil {
					logger.Warn("message cleanup failed", "error", err)
				} else if removed > 0 {
					logger.Info("message cleanup complete", "removed", removed)
				}
			}
		}
	}()

	if cfg.Runner.AgentID == "" {
		logger.Info("no runner agent configured, serving store only")
		<-ctx.Done()
		return nil
	}

	r, err := runner.New(b, cfg.Runner.AgentID, runner.Options{
		PollInterval:     cfg.Runner.PollInterval,
		StatusEvery:      cfg.Runner.StatusEvery,
		FailureThreshold: cfg.Runner.FailureThreshold,
		Capabilities:     cfg.Runner.Capabilities,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating runner: %w", err)
	}
	return r.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	b, st, err := openBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	defer b.Destroy()

	res := b.HealthCheck(ctx)
	if !res.Healthy {
		return fmt.Errorf("unhealthy: %s", res.Detail)
	}
	fmt.Println("healthy")
	return nil
}

func runStats(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	b, st, err := openBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	defer b.Destroy()

	stats, err := b.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading stats: %w", err)
	}

	fmt.Printf("messages: %d\n", stats.Messages.Total)
	for _, status := range []store.Status{store.StatusSent, store.StatusAcknowledged, store.StatusProcessed} {
		fmt.Printf("  %-12s %d\n", strings.ToLower(string(status)), stats.Messages.ByStatus[status])
	}
	types := make([]string, 0, len(stats.Messages.ByType))
	for name := range stats.Messages.ByType {
		types = append(types, name)
	}
	sort.Strings(types)
	for _, name := range types {
		fmt.Printf("  %-24s %d\n", name, stats.Messages.ByType[name])
	}
	return nil
}

func runTypes() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dir := directory.Load(cfg.Directory.Path)
	table := dir.Schema()

	for _, name := range table.Types() {
		spec, _ := table.Spec(name)
		color.New(color.FgCyan).Println(name)
		if len(spec.Required) > 0 {
			fmt.Printf("  required: %s\n", strings.Join(spec.Required, ", "))
		}
		if len(spec.Optional) > 0 {
			fmt.Printf("  optional: %s\n", strings.Join(spec.Optional, ", "))
		}
	}
	return nil
}

func runCreds(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	names := cfg.Credentials.Names
	if len(names) == 0 {
		names = []string{creds.NameGitHubToken, creds.NameDatabaseURL, creds.NameServiceRoleKey}
	}
	manager := creds.NewManager(names, creds.Options{
		SecretsFile: cfg.Credentials.SecretsFile,
		CacheTTL:    cfg.Credentials.CacheTTL,
		Logger:      logger,
	})

	available := manager.Available()
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	for _, name := range names {
		masked, ok := available[name]
		if !ok {
			red.Printf("  ✗ %s", name)
			fmt.Println("  (not set)")
			continue
		}
		res := manager.Test(ctx, name)
		if res.OK {
			green.Printf("  ✓ %s", name)
		} else {
			red.Printf("  ✗ %s", name)
		}
		fmt.Printf("  %s  %s\n", masked, res.Detail)
	}
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

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
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

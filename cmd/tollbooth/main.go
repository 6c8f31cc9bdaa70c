// Package main is the CLI entry point for the tollbooth backend — the
// intercepting console that sits between an LLM proxy process and the UI
// that inspects and steers its traffic.
//
// CLI commands (cobra):
//
//	tollbooth serve             - Start the proxy channel and UI channel listeners
//	tollbooth rules list        - List persisted rules
//	tollbooth rules enable      - Enable a rule by id or short id
//	tollbooth rules disable     - Disable a rule by id or short id
//	tollbooth store list        - List stored request/response templates
//	tollbooth store get         - Show one stored request or response
//	tollbooth store put         - Save a stored request or response from a JSON file
//	tollbooth store delete      - Delete a stored request or response
//	tollbooth config init       - Write a default config.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/follgate/tollbooth/internal/broadcast"
	"github.com/follgate/tollbooth/internal/config"
	"github.com/follgate/tollbooth/internal/correlate"
	"github.com/follgate/tollbooth/internal/domain"
	"github.com/follgate/tollbooth/internal/facade"
	"github.com/follgate/tollbooth/internal/intercept"
	"github.com/follgate/tollbooth/internal/llm"
	"github.com/follgate/tollbooth/internal/parsers"
	"github.com/follgate/tollbooth/internal/proxychan"
	"github.com/follgate/tollbooth/internal/refusal"
	"github.com/follgate/tollbooth/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
)

const shutdownGrace = 5 * time.Second

// configDir is the global flag for the tollbooth config/state directory,
// holding config.yaml and, once a dataRoot is configured, the persisted
// flow/rule/settings documents.
var configDir string

// logLevel and logFormat select the slog handler threaded into every actor
// (§4.10): "debug"/"info"/"warn"/"error" and "text"/"json".
var logLevel string
var logFormat string

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tollbooth"
	}
	return filepath.Join(home, ".tollbooth")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "tollbooth",
	Short:   "Tollbooth — backend for an intercepting LLM proxy console",
	Version: fmt.Sprintf("%s (commit %s)", version, commit),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "Path to the tollbooth config and state directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(configCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func loadConfig() (*config.Config, error) {
	return config.Load(filepath.Join(configDir, "config.yaml"))
}

// ============================================================================
// tollbooth serve
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy channel and UI channel listeners",
	RunE:  runServe,
}

// runServe wires every actor together and blocks until SIGINT/SIGTERM:
// storage (L6/L7) and its SQLite index, the intercept manager (T1), the
// refusal detector and queue (M4), the UI broadcast hub (T3), and the proxy
// control channel (T2), in dependency order.
func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger()

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", configDir, err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	persist := storage.NewPersister(
		cfg.DataRoot,
		cfg.Persist.Traffic,
		cfg.Persist.Replay,
		cfg.Persist.Rules,
		cfg.Persist.Config,
		cfg.Persist.Store,
		log,
	)
	st, err := storage.New(persist, log)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer st.Close()

	if err := st.LoadAll(); err != nil {
		log.Warn("loading persisted state", "err", err)
	}
	log.Info("config loaded", "max_inbound_message_size", humanize.Bytes(uint64(cfg.MaxInboundMessageSize)))

	classifier := refusal.NewRegexClassifier()
	detector := refusal.NewDetector(classifier)
	detector.Replace(st.ListRefusalRules())
	refusalQueue := refusal.NewQueue()

	llmClient := llm.NewMultiClient("")
	for name, p := range cfg.Providers {
		if p.APIKey == "" {
			continue
		}
		switch name {
		case "anthropic":
			llmClient.Register(name, llm.NewAnthropicClient(p.APIKey, p.BaseURL, 1024))
		case "openai":
			llmClient.Register(name, llm.NewOpenAIClient(p.APIKey, p.BaseURL))
		}
	}

	hub := broadcast.NewHub(st, nil, log)

	var manager *intercept.Manager
	channel := proxychan.New(st, parsers.NewRegistry(), correlate.New(st), nil, hub, log)
	manager = intercept.NewManager(st, detector, refusalQueue, llmClient, channel, hub, cfg.RefusalModelID, log)
	channel.SetHandler(manager)
	hub.SetPending(manager)

	// The facade is constructed here so a future REST host embedding this
	// process has it ready to call into; this binary itself never serves it.
	_ = facade.New(st, manager, detector, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go manager.RunSweeper(ctx)

	watcher, err := config.NewWatcher(filepath.Join(configDir, "config.yaml"), cfg.DataRoot, config.WatchTargets{
		OnRulesChange: func() {
			if err := st.LoadRules(); err != nil {
				log.Error("reloading rules", "err", err)
				return
			}
			hub.Broadcast("rules_reloaded", st.ListRules())
		},
		OnSettingsChange: func() {
			st.LoadSettings()
			hub.Broadcast("settings_changed", st.Settings())
		},
	})
	if err != nil {
		log.Warn("starting config watcher", "err", err)
	} else {
		defer watcher.Close()
	}

	proxyServer := &http.Server{Addr: cfg.ProxyChannelAddress, Handler: channel}
	uiServer := &http.Server{Addr: cfg.UIChannelAddress, Handler: hub}

	go hub.Run()
	go func() {
		log.Info("proxy channel listening", "addr", cfg.ProxyChannelAddress)
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("proxy channel server", "err", err)
		}
	}()
	go func() {
		log.Info("UI channel listening", "addr", cfg.UIChannelAddress)
		if err := uiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("UI channel server", "err", err)
		}
	}()
	log.Info("REST channel address recorded, not bound by this binary", "addr", cfg.RestChannelAddress)

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	proxyServer.Shutdown(shutdownCtx)
	uiServer.Shutdown(shutdownCtx)
	return nil
}

// ============================================================================
// tollbooth rules
// ============================================================================

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage persisted rules directly on disk",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage()
		if err != nil {
			return err
		}
		defer st.Close()
		for _, r := range st.ListRules() {
			fmt.Printf("%s\t%s\t%s\tenabled=%v\n", r.ShortID, r.Name, r.Direction, r.Enabled)
		}
		return nil
	},
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a rule by id or short id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRuleEnabled(args[0], true)
	},
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a rule by id or short id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRuleEnabled(args[0], false)
	},
}

func setRuleEnabled(idOrShort string, enabled bool) error {
	st, err := openStorage()
	if err != nil {
		return err
	}
	defer st.Close()
	r := st.GetRule(idOrShort)
	if r == nil {
		return fmt.Errorf("rule %s not found", idOrShort)
	}
	r.Enabled = enabled
	st.PersistRules()
	fmt.Printf("%s enabled=%v\n", r.ShortID, r.Enabled)
	return nil
}

func init() {
	rulesCmd.AddCommand(rulesListCmd, rulesEnableCmd, rulesDisableCmd)
}

// ============================================================================
// tollbooth store
// ============================================================================

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage stored request/response templates directly on disk",
}

var storeKind string

var storeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored requests or responses",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage()
		if err != nil {
			return err
		}
		defer st.Close()
		if storeKind == "response" {
			for _, r := range st.Store().ListResponses() {
				fmt.Printf("%s\t%s\tcreated %s\n", r.Metadata.ShortID, r.Key, humanize.Time(time.Unix(r.Metadata.CreatedAt, 0)))
			}
			return nil
		}
		for _, r := range st.Store().ListRequests() {
			fmt.Printf("%s\t%s\tcreated %s\n", r.Metadata.ShortID, r.Key, humanize.Time(time.Unix(r.Metadata.CreatedAt, 0)))
		}
		return nil
	},
}

var storeGetCmd = &cobra.Command{
	Use:   "get <key-or-id>",
	Short: "Print a stored request or response as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage()
		if err != nil {
			return err
		}
		defer st.Close()
		var v any
		var ok bool
		if storeKind == "response" {
			v, ok = st.Store().GetResponse(args[0])
		} else {
			v, ok = st.Store().GetRequest(args[0])
		}
		if !ok {
			return fmt.Errorf("%s not found", args[0])
		}
		return printJSON(v)
	},
}

var storePutCmd = &cobra.Command{
	Use:   "put <json-file>",
	Short: "Save a stored request or response from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		st, err := openStorage()
		if err != nil {
			return err
		}
		defer st.Close()
		if storeKind == "response" {
			var r domain.StoredResponse
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			st.PutStoredResponse(&r, 0)
			return nil
		}
		var r domain.StoredRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		st.PutStoredRequest(&r, 0)
		return nil
	},
}

var storeDeleteCmd = &cobra.Command{
	Use:   "delete <key-or-id>",
	Short: "Delete a stored request or response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage()
		if err != nil {
			return err
		}
		defer st.Close()
		var ok bool
		if storeKind == "response" {
			ok = st.DeleteStoredResponse(args[0])
		} else {
			ok = st.DeleteStoredRequest(args[0])
		}
		if !ok {
			return fmt.Errorf("%s not found", args[0])
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{storeListCmd, storeGetCmd, storePutCmd, storeDeleteCmd} {
		c.Flags().StringVar(&storeKind, "kind", "request", "request or response")
	}
	storeCmd.AddCommand(storeListCmd, storeGetCmd, storePutCmd, storeDeleteCmd)
}

// ============================================================================
// tollbooth config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the tollbooth configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml to the config directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return err
		}
		path := filepath.Join(configDir, "config.yaml")
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
}

// ============================================================================
// shared helpers
// ============================================================================

func openStorage() (*storage.Storage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	persist := storage.NewPersister(cfg.DataRoot, cfg.Persist.Traffic, cfg.Persist.Replay, cfg.Persist.Rules, cfg.Persist.Config, cfg.Persist.Store, nil)
	st, err := storage.New(persist, nil)
	if err != nil {
		return nil, err
	}
	if err := st.LoadAll(); err != nil {
		return nil, err
	}
	return st, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

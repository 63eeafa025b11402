// DotRelay - conversational relay between chat platforms and language models
// License: MIT
//
// Copyright (c) 2026 DotAgent contributors

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/dotrelay/pkg/agent"
	"github.com/dotsetgreg/dotrelay/pkg/bus"
	"github.com/dotsetgreg/dotrelay/pkg/channels"
	"github.com/dotsetgreg/dotrelay/pkg/config"
	"github.com/dotsetgreg/dotrelay/pkg/documents"
	"github.com/dotsetgreg/dotrelay/pkg/filter"
	"github.com/dotsetgreg/dotrelay/pkg/health"
	"github.com/dotsetgreg/dotrelay/pkg/logger"
	"github.com/dotsetgreg/dotrelay/pkg/memory"
	"github.com/dotsetgreg/dotrelay/pkg/poller"
	"github.com/dotsetgreg/dotrelay/pkg/providers"
	"github.com/dotsetgreg/dotrelay/pkg/supervisor"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const (
	appName         = "dotrelay"
	shutdownTimeout = 30 * time.Second
)

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("DOTRELAY_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dotrelay", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

// applyLogging configures the global logger from config; debug wins over
// the configured level.
func applyLogging(cfg *config.Config, debug bool) {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logger.INFO
	}
	if debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)
	logger.SetJSON(strings.EqualFold(strings.TrimSpace(cfg.Logging.Format), "json"))
}

// relayCore is the part of the relay shared by the gateway and the console:
// one store, one filter, one model.
type relayCore struct {
	backend   memory.Backend
	store     *memory.ConversationStore
	responder *agent.Responder
	ingestor  *documents.Ingestor
}

func newRelayCore(cfg *config.Config) (*relayCore, error) {
	if err := providers.ValidateProviderConfig(cfg); err != nil {
		return nil, err
	}
	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	backend, err := memory.OpenBackend(memory.BackendOptions{
		Kind:           cfg.Storage.Backend,
		Path:           cfg.StoragePath(),
		RedisAddr:      cfg.Storage.Redis.Addr,
		RedisPassword:  cfg.Storage.Redis.Password,
		RedisDB:        cfg.Storage.Redis.DB,
		RedisKeyPrefix: cfg.Storage.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}

	store := memory.NewConversationStore(backend, memory.StoreOptions{
		SerializeUpdates: cfg.Conversation.SerializeUpdates,
	})
	contentFilter := filter.NewProfanityFilter()

	responder := agent.NewResponder(agent.ResponderConfig{
		Store:  store,
		Filter: contentFilter,
		Builder: agent.NewContextBuilder(
			agent.WithWindow(agent.WindowFor(cfg.Context.MaxHistoryMessages)),
			agent.WithMaxDocumentChars(cfg.Context.MaxDocumentChars),
		),
		Provider: provider,
		Model:    cfg.Agents.Defaults.Model,
		Options:  providers.BuildOptions(cfg),
	})
	ingestor := documents.NewIngestor(store, contentFilter, documents.WithMaxBytes(cfg.Documents.MaxBytes))

	logger.InfoCF("relay", "Relay core initialized", map[string]interface{}{
		"provider": providers.ActiveProviderName(cfg),
		"model":    responder.Model(),
		"backend":  backend.Name(),
	})

	return &relayCore{
		backend:   backend,
		store:     store,
		responder: responder,
		ingestor:  ingestor,
	}, nil
}

func (c *relayCore) Close() error {
	return c.store.Close()
}

func onboard(force bool) error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil && !force {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		reader := bufio.NewReader(os.Stdin)
		response, readErr := reader.ReadString('\n')
		if readErr != nil {
			fmt.Println("Aborted.")
			return nil
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.WorkspacePath(), "state"), 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	fmt.Printf("%s is ready!\n", appName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Start a local model: ollama pull llama3.2")
	fmt.Println("  2. Add your Telegram bot token to channels.telegram.token in", configPath)
	fmt.Println("  3. Chat locally: dotrelay chat")
	fmt.Println("  4. Run the relay: dotrelay gateway")
	fmt.Println("  5. Check readiness: dotrelay status")
	return nil
}

func gateway(debug bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogging(cfg, debug)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error:\n%w", err)
	}

	core, err := newRelayCore(cfg)
	if err != nil {
		return err
	}
	defer core.Close()

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	channelManager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}

	dispatcher := agent.NewDispatcher(core.responder, core.ingestor, channelManager, msgBus)
	var cursors poller.CursorStore
	if cfg.Poller.PersistCursor {
		cursors = memory.NewCursorStore(core.backend)
	}
	updatePoller := poller.New(channelManager.Source(), dispatcher, poller.Options{
		Interval: cfg.PollInterval(),
		Cursors:  cursors,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sup := supervisor.New(ctx, updatePoller)

	maintenance, err := memory.NewMaintenanceScheduler(core.backend, cfg.Storage.MaintenanceCron)
	if err != nil {
		return err
	}
	maintenance.Start(ctx)
	defer maintenance.Stop()

	if err := channelManager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	fmt.Printf("✓ Transport started: %s\n", cfg.TransportName())

	healthServer := health.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, sup, updatePoller)
	if pinger, ok := core.backend.(memory.Pinger); ok {
		healthServer.RegisterCheck("store", pinger.Ping)
	}
	healthServer.RegisterCheck("transport", func(context.Context) error {
		ch, ok := channelManager.GetChannel(cfg.TransportName())
		if !ok || !ch.IsRunning() {
			return errors.New("transport not running")
		}
		return nil
	})
	go func() {
		if err := healthServer.Start(); err != nil {
			logger.ErrorCF("health", "Control server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	fmt.Printf("✓ Control surface at http://%s (/health, /ready, /poller, /metrics)\n", healthServer.Addr())

	if cfg.Relay.AutoStart {
		sup.Start()
		fmt.Println("✓ Poller started")
	} else {
		fmt.Println("• Poller idle; start it with POST /poller/start")
	}
	fmt.Println("Press Ctrl+C to stop")

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	sup.Stop()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer waitCancel()
	if err := sup.Wait(waitCtx); err != nil {
		logger.WarnCF("relay", "Poller did not stop in time", map[string]interface{}{"error": err.Error()})
	}
	_ = healthServer.Stop(waitCtx)
	_ = channelManager.StopAll(waitCtx)
	fmt.Println("✓ Gateway stopped")
	return nil
}

func status(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configPath := getConfigPath()

	fmt.Fprintf(w, "%s Status\n", appName)
	fmt.Fprintf(w, "Version: %s\n", formatVersion())
	fmt.Fprintln(w)

	mark := func(ok bool, missing string) string {
		if ok {
			return "✓"
		}
		return missing
	}
	_, cfgErr := os.Stat(configPath)
	fmt.Fprintln(w, "Config:", configPath, mark(cfgErr == nil, "✗"))

	workspace := cfg.WorkspacePath()
	_, wsErr := os.Stat(workspace)
	fmt.Fprintln(w, "Workspace:", workspace, mark(wsErr == nil, "✗"))

	switch strings.ToLower(cfg.Storage.Backend) {
	case config.BackendRedis:
		fmt.Fprintf(w, "Store: redis %s\n", cfg.Storage.Redis.Addr)
	default:
		_, dbErr := os.Stat(cfg.StoragePath())
		fmt.Fprintf(w, "Store: %s %s %s\n", cfg.Storage.Backend, cfg.StoragePath(), mark(dbErr == nil, "not initialized"))
	}

	provider, configured, mode, perr := providers.ProviderCredentialStatus(cfg)
	if perr != nil {
		fmt.Fprintf(w, "Provider: %v\n", perr)
	} else {
		fmt.Fprintf(w, "Provider: %s (%s) %s\n", provider, valueOr(mode, "default"), mark(configured, "not set"))
	}
	fmt.Fprintf(w, "Model: %s\n", cfg.Agents.Defaults.Model)
	fmt.Fprintf(w, "Transport: %s\n", cfg.TransportName())

	validErr := cfg.Validate()
	fmt.Fprintln(w, "Gateway ready:", mark(validErr == nil && configured, "no"))
	if validErr != nil {
		for _, line := range strings.Split(validErr.Error(), "\n") {
			fmt.Fprintf(w, "  - %s\n", line)
		}
	}
	return nil
}

// console is the synchronous foreground path: it drives the same responder,
// ingestor, and store a running gateway uses.
type console struct {
	core           *relayCore
	conversationID string
	out            io.Writer
}

const consoleHelp = `Commands:
  /upload <path>  attach a PDF or text file to this conversation
  /history        show the stored conversation history
  /document       show the stored document text
  /help           show this help
  exit, quit      leave`

// handle processes one input line and reports whether the console should exit.
func (c *console) handle(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}
	switch {
	case input == "exit" || input == "quit":
		fmt.Fprintln(c.out, "Goodbye!")
		return true
	case input == "/help":
		fmt.Fprintln(c.out, consoleHelp)
	case input == "/history":
		history := c.core.store.GetHistory(ctx, c.conversationID)
		if len(history) == 0 {
			fmt.Fprintln(c.out, "(no history)")
		}
		for _, m := range history {
			fmt.Fprintf(c.out, "%s: %s\n", m.Role, m.Content)
		}
	case input == "/document":
		doc := c.core.store.GetDocument(ctx, c.conversationID)
		if doc == "" {
			doc = "(no document)"
		}
		fmt.Fprintln(c.out, doc)
	case strings.HasPrefix(input, "/upload"):
		path := strings.TrimSpace(strings.TrimPrefix(input, "/upload"))
		if path == "" {
			fmt.Fprintln(c.out, "Usage: /upload <path>")
			return false
		}
		outcome := c.core.ingestor.IngestFrom(ctx, c.conversationID, filepath.Base(path), func(context.Context) ([]byte, error) {
			return os.ReadFile(path)
		})
		fmt.Fprintln(c.out, outcome.Notice())
	default:
		reply := c.core.responder.Generate(ctx, c.conversationID, input)
		fmt.Fprintf(c.out, "\n%s %s\n\n", appName, reply)
	}
	return false
}

func chat(conversationID, message string, debug bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogging(cfg, debug)

	core, err := newRelayCore(cfg)
	if err != nil {
		return err
	}
	defer core.Close()

	c := &console{core: core, conversationID: conversationID, out: os.Stdout}
	ctx := context.Background()

	if strings.TrimSpace(message) != "" {
		c.handle(ctx, message)
		return nil
	}

	fmt.Printf("%s console, conversation %q (Ctrl+C to exit, /help for commands)\n\n", appName, conversationID)
	interactiveMode(ctx, c)
	return nil
}

func interactiveMode(ctx context.Context, c *console) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".dotrelay_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(ctx, c, os.Stdin)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if c.handle(ctx, line) {
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, c *console, in io.Reader) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(c.out, "%s You: ", appName)
		line, err := reader.ReadString('\n')
		if line != "" && c.handle(ctx, line) {
			return
		}
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(c.out, "Error reading input: %v\n", err)
			}
			fmt.Fprintln(c.out, "\nGoodbye!")
			return
		}
	}
}

// Package repl is the operator console for cmd/gatewayctl: an interactive
// readline loop that lists/registers/inspects/stops bots without needing a
// separate admin HTTP client. Grounded on the teacher's
// internal/adapters/cli package (readline instance, commandDescriptor
// table, Ctrl-C-on-empty-line-stops-the-process key handler), narrowed from
// one userbot's diagnostic commands to this gateway's per-bot registry
// commands.
package repl

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"botapigateway/internal/gateway/authfsm"
	"botapigateway/internal/gateway/botregistry"
	"botapigateway/internal/gateway/client"
	"botapigateway/internal/infra/config"
	"botapigateway/internal/infra/logger"
	"botapigateway/internal/infra/pr"
)

type commandDescriptor struct {
	name        string
	description string
}

var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "register <token> [api_id] [api_hash]", description: "Upsert a bot into the registry and start its Client"},
	{name: "list", description: "List running Clients and their authorization state"},
	{name: "status <token>", description: "Show one bot's authorization and webhook state"},
	{name: "stop <token>", description: "Run the close handshake for one bot"},
	{name: "exit", description: "Stop the console and terminate the gateway process"},
}

// Service is the console; Start/Stop are idempotent, mirroring the
// teacher's Service lifecycle.
type Service struct {
	mgr      *client.Manager
	registry *botregistry.Registry
	cfg      config.EnvConfig
	stopApp  context.CancelFunc

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

func NewService(mgr *client.Manager, registry *botregistry.Registry, cfg config.EnvConfig, stopApp context.CancelFunc) *Service {
	return &Service{mgr: mgr, registry: registry, cfg: cfg, stopApp: stopApp}
}

func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(runCtx)
		}()
	})
}

func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Service) run(ctx context.Context) {
	pr.SetPrompt("gatewayctl> ")
	pr.Println("gatewayctl started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Type 'help' for detailed descriptions.")

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("gatewayctl: deactivated (io.EOF)")
			return
		}
		if s.handleCommand(ctx, strings.TrimSpace(line)) {
			return
		}
	}
}

func (s *Service) handleCommand(ctx context.Context, cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "help":
		printCommandHelp()
	case "register":
		s.handleRegister(ctx, fields[1:])
	case "list":
		s.handleList()
	case "status":
		s.handleStatus(fields[1:])
	case "stop":
		s.handleStop(fields[1:])
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", fields[0])
	}
	return false
}

func (s *Service) handleRegister(ctx context.Context, args []string) {
	if len(args) < 1 {
		pr.ErrPrintln("usage: register <token> [api_id] [api_hash]")
		return
	}
	token := args[0]
	apiID := s.cfg.APIID
	apiHash := s.cfg.APIHash
	if len(args) >= 3 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			pr.ErrPrintln("invalid api_id:", err)
			return
		}
		apiID = n
		apiHash = args[2]
	}

	storageDir := s.cfg.BotsDir + "/" + sanitizeTokenForPath(token)
	if err := s.registry.Upsert(ctx, token, apiID, apiHash, storageDir); err != nil {
		pr.ErrPrintln("register failed:", err)
		return
	}

	bot, err := s.registry.Get(ctx, token)
	if err != nil {
		pr.ErrPrintln("register: reload failed:", err)
		return
	}
	if _, err := s.mgr.StartBot(bot); err != nil {
		pr.ErrPrintln("register: start failed:", err)
		return
	}
	pr.Println("bot registered and starting:", redact(token))
}

func (s *Service) handleList() {
	clients := s.mgr.All()
	if len(clients) == 0 {
		pr.Println("No running bots.")
		return
	}
	for _, c := range clients {
		pr.Printf("%s  %s\n", redact(c.Token), stateName(c.FSM.State()))
	}
	pr.Printf("Total: %d\n", len(clients))
}

func (s *Service) handleStatus(args []string) {
	if len(args) < 1 {
		pr.ErrPrintln("usage: status <token>")
		return
	}
	c, ok := s.mgr.Lookup(args[0])
	if !ok {
		pr.ErrPrintln("bot not running:", redact(args[0]))
		return
	}
	pending, _ := s.mgr.TQueue.Size(c.QueueID)
	info := c.Webhook.Status(pending)
	pr.Printf("token:          %s\n", redact(c.Token))
	pr.Printf("state:          %s\n", stateName(c.FSM.State()))
	pr.Printf("webhook active: %v\n", c.Webhook.IsActive())
	if info.URL != "" {
		pr.Printf("webhook url:    %s\n", info.URL)
	}
	pr.Printf("pending count:  %d\n", info.PendingUpdateCount)
	if info.LastErrorMessage != "" {
		pr.Printf("last error:     %s (%s)\n", info.LastErrorMessage, info.LastErrorDate)
	}
}

func (s *Service) handleStop(args []string) {
	if len(args) < 1 {
		pr.ErrPrintln("usage: stop <token>")
		return
	}
	c, ok := s.mgr.Lookup(args[0])
	if !ok {
		pr.ErrPrintln("bot not running:", redact(args[0]))
		return
	}
	if err := c.Stop(); err != nil {
		pr.ErrPrintln("stop failed:", err)
		return
	}
	pr.Println("close handshake requested for", redact(args[0]))
}

func stateName(st authfsm.State) string {
	switch st {
	case authfsm.StateWaitTdlibParameters:
		return "waitTdlibParameters"
	case authfsm.StateWaitPhoneNumber:
		return "waitPhoneNumber"
	case authfsm.StateReady:
		return "ready"
	case authfsm.StateLoggingOut:
		return "loggingOut"
	case authfsm.StateClosing:
		return "closing"
	case authfsm.StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func redact(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func sanitizeTokenForPath(token string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(token)
}

func printCommandHelp() {
	pr.Println("Available commands:")
	for _, d := range commandDescriptors {
		pr.Println(fmt.Sprintf("  %-38s - %s", d.name, d.description))
	}
}

func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

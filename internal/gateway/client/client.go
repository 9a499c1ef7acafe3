// Package client is the per-bot Client orchestrator: it owns one bot's
// instance of every other component (A-L) and wires them to the shared,
// process-wide collaborators (TQueue, Webhook DB, bot registry, payment
// provider). Grounded on the teacher's App.Init/Runner.Run bring-up
// sequencing in internal/app/app.go and internal/app/runner.go, generalized
// from "start the one process-wide client" to "start one Client per
// registered bot, independently, on its own actor-equivalent goroutines."
package client

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"botapigateway/internal/gateway/authfsm"
	"botapigateway/internal/gateway/botregistry"
	"botapigateway/internal/gateway/cmdqueue"
	"botapigateway/internal/gateway/dispatcher"
	"botapigateway/internal/gateway/emitter"
	"botapigateway/internal/gateway/entitycache"
	"botapigateway/internal/gateway/flood"
	"botapigateway/internal/gateway/ingestor"
	"botapigateway/internal/gateway/longpoll"
	"botapigateway/internal/gateway/payments"
	"botapigateway/internal/gateway/pendingquery"
	"botapigateway/internal/gateway/resolve"
	"botapigateway/internal/gateway/sendtracker"
	"botapigateway/internal/gateway/tqueue"
	"botapigateway/internal/gateway/webhook"
	"botapigateway/internal/gateway/webhookactor"
	"botapigateway/internal/gateway/webhookdb"
	"botapigateway/internal/infra/clock"
	"botapigateway/internal/infra/config"
	"botapigateway/internal/infra/logger"
	"botapigateway/internal/infra/storage"
	"botapigateway/internal/nativeclient"

	"go.uber.org/zap"
)

// Client is one bot's complete, wired instance of components A through L.
type Client struct {
	Token      string
	StorageDir string
	QueueID    string // TQueue/webhook bucket key; the bot token itself, per Client

	log *zap.Logger

	Cache    *entitycache.Cache
	Pending  *pendingquery.Registry
	Cmds     *cmdqueue.Queue
	Tracker  *sendtracker.Tracker
	Limiter  *flood.Limiter
	Emit     *emitter.Emitter
	LongPoll *longpoll.Coordinator
	Webhook  *webhook.Coordinator
	FSM      *authfsm.FSM
	Ingestor *ingestor.Ingestor
	Mask     *ingestor.AllowedUpdateMask
	Bridge   *nativeclient.Bridge
	Payments payments.PaymentProvider

	NewMessageQ  *resolve.NewMessageQueue
	BusinessMsgQ *resolve.BusinessMessageQueue
	CallbackQ    *resolve.CallbackQueryQueue
	BusinessCbQ  *resolve.BusinessCallbackQueryQueue

	offset *clock.UnixOffset

	lastActive atomic.Int64 // unix nanos; touched on every dispatched request
}

// Touch records activity against the Client's warm-idle clock, per §4.K.
func (c *Client) Touch() { c.lastActive.Store(clock.Now().UnixNano()) }

// Manager owns the process-wide collaborators (shared across every Client)
// and the live set of running Clients, keyed by bot token.
type Manager struct {
	cfg      config.EnvConfig
	Table    *dispatcher.Table
	TQueue   *tqueue.TQueue
	WebhookDB *webhookdb.DB
	Registry *botregistry.Registry
	Payments payments.PaymentProvider

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager builds the process-wide gateway state; Table should already
// have RegisterKnownAliases applied and RegisterHandlers (this package's
// handlers.go) called once against it.
func NewManager(cfg config.EnvConfig, table *dispatcher.Table, tq *tqueue.TQueue, whdb *webhookdb.DB, registry *botregistry.Registry, pay payments.PaymentProvider) *Manager {
	m := &Manager{
		cfg: cfg, Table: table, TQueue: tq, WebhookDB: whdb, Registry: registry, Payments: pay,
		clients: make(map[string]*Client),
	}
	go m.reapIdle()
	return m
}

// reapIdle stops any Client that has gone untouched for longer than
// authfsm.WarmIdleTimeout, keeping a warm-but-unused Client from lingering
// forever per §4.K.
func (m *Manager) reapIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := clock.Now().Add(-authfsm.WarmIdleTimeout()).UnixNano()
		for _, c := range m.All() {
			if c.lastActive.Load() < cutoff {
				_ = c.Stop()
			}
		}
	}
}

// scheduleRecycle removes token's Client from the live set fastRecycleTimeout
// after its close handshake finishes, freeing the slot for a fresh StartBot
// call without waiting out the full idle timeout.
func (m *Manager) scheduleRecycle(token string) {
	time.AfterFunc(authfsm.FastRecycleTimeout(), func() {
		m.mu.Lock()
		delete(m.clients, token)
		m.mu.Unlock()
	})
}

// newCounters picks the flood-admission Counters backend for a bot: a
// shared Redis instance when the process is configured for a multi-process
// deployment (m.cfg.RedisAddr set), otherwise the single-process in-memory
// default.
func (m *Manager) newCounters(token string) flood.Counters {
	if m.cfg.RedisAddr == "" {
		return flood.NewMemCounters()
	}
	return flood.NewRedisCounters(context.Background(), m.cfg.RedisAddr, token)
}

// botID extracts the numeric user-id prefix of a Bot API token
// ("123456:AAExample" -> "123456") for tagging that Client's log lines; the
// part after the colon is the secret and is never used here.
func botID(token string) string {
	if i := strings.IndexByte(token, ':'); i >= 0 {
		return token[:i]
	}
	return token
}

// Lookup returns the running Client for token, if any.
func (m *Manager) Lookup(token string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[token]
	return c, ok
}

// All returns every currently running Client, for admin introspection and
// ordered shutdown.
func (m *Manager) All() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	return out
}

// StartBot constructs and brings up a Client for bot, or returns the
// already-running one. Bring-up runs on its own goroutine, mirroring the
// teacher's Runner.Run/loginSelf split between synchronous wiring and an
// async connect.
func (m *Manager) StartBot(bot *botregistry.Bot) (*Client, error) {
	m.mu.Lock()
	if existing, ok := m.clients[bot.Token]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	storageDir := bot.StorageDir
	if err := os.MkdirAll(storageDir, 0o700); err != nil {
		return nil, fmt.Errorf("client: create storage dir: %w", err)
	}
	if err := storage.PruneTempFiles(storageDir); err != nil {
		return nil, fmt.Errorf("client: prune stale temp files: %w", err)
	}

	c := &Client{
		Token:      bot.Token,
		StorageDir: storageDir,
		QueueID:    bot.Token,
		log:        logger.NewBotLogger(storageDir, botID(bot.Token), m.cfg.LogLevel, m.cfg.BotLogRotation),
		Cache:      entitycache.New(),
		Pending:    pendingquery.New(),
		Cmds:       cmdqueue.New(),
		Limiter:    flood.New(m.newCounters(bot.Token), m.cfg.UpdatesPerMinuteDefault, float64(m.cfg.ThrottleRPS)),
		Mask:       ingestor.NewAllowedUpdateMask(),
		Payments:   m.Payments,
		offset:     &clock.UnixOffset{},
	}
	if bot.AllowedUpdateTypes != 0 {
		c.Mask.Set(bot.AllowedUpdateTypes)
	}

	c.LongPoll = longpoll.New(c.QueueID, m.TQueue)
	actorFactory := webhookactor.NewFactory(c.QueueID, m.TQueue, webhookWaker{c}, nil)
	c.Webhook = webhook.New(bot.Token, 2, storageDir+"/cert.pem", m.cfg.LocalMode, m.WebhookDB, fileIO{}, actorFactory, tqueueClearer{m.TQueue}, c.LongPoll)
	c.Webhook.SetQueueID(c.QueueID)

	notifier := notifyRouter{lp: c.LongPoll, wh: c.Webhook}
	c.Emit = emitter.New(c.QueueID, m.TQueue, notifier, c.Webhook.IsActive)

	c.Bridge = nativeclient.New(nativeclient.Config{
		Token: bot.Token, APIID: bot.APIID, APIHash: bot.APIHash,
		StorageDir: storageDir, TestDC: m.cfg.TestDC,
	}, nil) // sink wired in below, once Ingestor exists

	c.Tracker = sendtracker.New(c.Bridge)
	c.NewMessageQ = resolve.NewNewMessageQueue(c.Cache, c.Bridge)
	c.BusinessMsgQ = resolve.NewBusinessMessageQueue(c.Cache, c.Bridge)
	c.CallbackQ = resolve.NewCallbackQueryQueue(c.Cache, c.Bridge)
	c.BusinessCbQ = resolve.NewBusinessCallbackQueryQueue(c.Cache, c.Bridge)

	c.Ingestor = ingestor.New(c.Cache, c.Emit, c.Tracker, answerPending{c.Pending}.answer, c.Mask, nil,
		c.offset, c.NewMessageQ, c.BusinessMsgQ, c.CallbackQ, c.BusinessCbQ)

	c.Bridge.SetSink(&ingestorSink{ing: c.Ingestor})

	c.FSM = authfsm.New(c.Bridge, fileRemover{}, c.Cmds, c.Pending,
		bot.Token, storageDir, m.cfg.TestDC, bot.APIID, bot.APIHash)
	c.Ingestor.SetFSM(c.FSM)
	c.FSM.OnReady(func() {
		c.Ingestor.FlushPreAuthBuffer()
		c.offset.Observe(clockNowUnix())
		c.log.Info("client ready", zap.String("token", redactToken(bot.Token)))
	})
	c.FSM.OnClose(func() {
		c.log.Warn("client closed", zap.String("token", redactToken(bot.Token)))
		m.scheduleRecycle(bot.Token)
	})
	c.Touch()

	m.mu.Lock()
	m.clients[bot.Token] = c
	m.mu.Unlock()

	if err := c.Webhook.Restore(); err != nil {
		c.log.Warn("webhook restore failed", zap.Error(err))
	}

	go c.bringUp()

	return c, nil
}

// bringUp drives the Authorization FSM through its startup sequence. gotd's
// MTProto engine has no updateAuthorizationState push stream of its own
// (that is a TDLib concept); the Client orchestrator plays that role
// explicitly, advancing the FSM once per stage instead of reacting to a
// native event, mirroring the teacher's own sequential loginSelf call chain.
func (c *Client) bringUp() {
	c.FSM.Advance("waitTdlibParameters")
	c.FSM.Advance("waitPhoneNumber")
	c.FSM.Advance("ready")
}

// Stop runs the explicit close handshake for tests/admin use; the
// authorization FSM's own Closed handler does the rest of the teardown.
func (c *Client) Stop() error {
	return c.FSM.RequestClose()
}

// ctxKey namespaces this package's context values.
type ctxKey int

const clientCtxKey ctxKey = 0

// ClientFromContext recovers the Client a handler is running against;
// RegisterHandlers' handlers call this to reach their Client's components.
func ClientFromContext(ctx context.Context) (*Client, bool) {
	c, ok := ctx.Value(clientCtxKey).(*Client)
	return c, ok
}

// Dispatch is the HTTP router's sole entry point into the gateway: it
// resolves token to a running Client (starting one on first use), applies
// the Closing Error / flood-admission gates of §4.K and §4.L, parks the
// call behind the Command Queue until the Client is Ready, and finally
// invokes the shared method Table with this Client reachable from ctx.
func (m *Manager) Dispatch(ctx context.Context, token, method string, hasFiles bool, uploadBytes int64, args *dispatcher.Args) (any, *dispatcher.Error) {
	bot, err := m.Registry.Get(ctx, token)
	if err != nil {
		return nil, &dispatcher.Error{Code: 401, Message: "Unauthorized: invalid bot token"}
	}
	c, err := m.StartBot(bot)
	if err != nil {
		return nil, &dispatcher.Error{Code: 500, Message: err.Error()}
	}
	c.Touch()

	if !c.FSM.IsAcceptingRequests() {
		ce := c.FSM.ClosingError()
		if typed, ok := ce.(*flood.ClosingError); ok {
			return nil, &dispatcher.Error{Code: typed.Code, Message: typed.Message}
		}
		return nil, &dispatcher.Error{Code: 409, Message: ce.Error()}
	}

	if admErr := c.Limiter.Admit(method, hasFiles, uploadBytes); admErr != nil {
		if typed, ok := admErr.(*flood.AdmissionError); ok {
			return nil, &dispatcher.Error{Code: 429, Message: fmt.Sprintf("Too Many Requests: retry after %d: %s", int(typed.RetryAfter.Seconds()), typed.Reason)}
		}
		return nil, &dispatcher.Error{Code: 429, Message: admErr.Error()}
	}

	ctx = context.WithValue(ctx, clientCtxKey, c)

	type outcome struct {
		result any
		err    *dispatcher.Error
	}
	done := make(chan outcome, 1)
	c.Cmds.Enqueue(func() {
		result, derr := m.Table.Dispatch(ctx, method, args)
		done <- outcome{result, derr}
	})

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, &dispatcher.Error{Code: 504, Message: "Gateway Timeout"}
	}
}

func redactToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// --- small adapters gluing the narrow component interfaces together ---

// ingestorSink adapts nativeclient.Sink to *ingestor.Ingestor; it is the
// resolution point for the two packages' independently-defined event
// shapes, so neither gateway/ingestor nor nativeclient needs to import the
// other (spec §1's opaque-native-bus framing keeps that dependency pointed
// only at the interfaces each side already declares).
type ingestorSink struct {
	ing *ingestor.Ingestor
}

func (s *ingestorSink) OnNewMessage(ev nativeclient.NewMessageEvent) {
	s.ing.OnNewMessage(ingestor.NewMessageEvent{
		Msg:        ev.Msg,
		IsOutgoing: ev.IsOutgoing,
		IsChannel:  ev.IsChannel,
	})
}

func (s *ingestorSink) OnEditMessage(ev nativeclient.NewMessageEvent) {
	s.ing.OnEditMessage(ingestor.NewMessageEvent{
		Msg:        ev.Msg,
		IsOutgoing: ev.IsOutgoing,
		IsChannel:  ev.IsChannel,
	})
}

func (s *ingestorSink) OnOptionUnixTime(unixTime int64) {
	s.ing.OnOptionUnixTime(unixTime)
}

// notifyRouter implements emitter.Notifier by fanning out to whichever
// delivery path is active.
type notifyRouter struct {
	lp *longpoll.Coordinator
	wh *webhook.Coordinator
}

func (n notifyRouter) NotifyLongPoll() { n.lp.NotifyLongPoll() }
func (n notifyRouter) NotifyWebhook()  { n.wh.NotifyWebhook() }

// fileIO implements webhook.FileIO over the shared atomic-write helper.
type fileIO struct{}

func (fileIO) CopyCert(destPath string, data []byte) error {
	return storage.AtomicWriteFile(destPath, data)
}

func (fileIO) RemoveCert(destPath string) error {
	err := os.Remove(destPath)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// fileRemover implements authfsm.FileRemover.
type fileRemover struct{}

func (fileRemover) RemoveAll(dir string) error { return os.RemoveAll(dir) }

// tqueueClearer implements webhook.TQueueClearer.
type tqueueClearer struct{ tq *tqueue.TQueue }

func (t tqueueClearer) Clear(queueID string) error { return t.tq.Clear(queueID) }

// webhookWaker implements webhookactor.Waker by forwarding to the Client's
// own webhook Coordinator, resolved lazily: the factory built from this
// adapter isn't invoked until SetWebhook/Restore first install an Actor,
// which is always after c.Webhook is assigned.
type webhookWaker struct{ c *Client }

func (w webhookWaker) WakeChannel() <-chan struct{} { return w.c.Webhook.WakeChannel() }

// answerPending adapts ingestor.PendingAnswer to the pendingquery Registry,
// collapsing a send's ResultPieces down to the single-message shape the Bot
// API returns unless the query was a multisend.
type answerPending struct{ reg *pendingquery.Registry }

func (a answerPending) answer(queryID int64, outcome *sendtracker.Outcome) {
	if queryID == 0 {
		return
	}
	var result any
	if len(outcome.ResultPieces) == 1 {
		result = outcome.ResultPieces[0]
	} else {
		result = outcome.ResultPieces
	}
	a.reg.Resolve(queryID, result, outcome.Err)
}

func clockNowUnix() int64 { return clock.Now().Unix() }

// Package authfsm is component K: the state machine driving bot login,
// re-login backoff, log-out, and the close handshake with the native
// client, gating components C/D until Ready. Grounded on the teacher's
// Runner.loginSelf/Runner.Run waiter-driven bring-up in internal/app/
// runner.go and the atomic.Bool/CompareAndSwap state-transition idiom of
// internal/infra/telegram/connection/con_manager.go, adapted from a
// personal-account login flow to the bot-token checkAuthenticationBotToken
// flow of spec §4.K.
package authfsm

import (
	"sync"
	"sync/atomic"
	"time"

	"botapigateway/internal/gateway/cmdqueue"
	"botapigateway/internal/gateway/flood"
	"botapigateway/internal/gateway/pendingquery"
	"botapigateway/internal/infra/clock"
)

// State enumerates the §4.K states.
type State int

const (
	StateWaitTdlibParameters State = iota
	StateWaitPhoneNumber // bot-token login step, named for the native client's state id
	StateReady
	StateLoggingOut
	StateClosing
	StateClosed
)

// NativeClient is the narrow slice of the opaque native-client bridge this
// FSM drives directly; spec §1 treats the native client as an opaque
// command/event bus.
type NativeClient interface {
	SetPerformanceOptions()
	SetTdlibParameters(storageDir string, testDC bool, apiID int, apiHash string) error
	SetOnline(online bool)
	CheckAuthenticationBotToken(token string) error
	GetMe() (userID int64, err error)
	LogOut() error
	Close() error
}

// FileRemover runs rm -rf on the Client's directory off the actor thread,
// per §5's filesystem-side-effects rule.
type FileRemover interface {
	RemoveAll(dir string) error
}

const (
	warmIdleTimeout    = 30 * time.Minute
	fastRecycleTimeout = 1 * time.Second
)

// WarmIdleTimeout is how long a finalized (closed) Client may sit idle
// before its owner should stop it, per §4.K.
func WarmIdleTimeout() time.Duration { return warmIdleTimeout }

// FastRecycleTimeout is how long a Client that just finished its close
// handshake should be kept around before its owner recycles its slot,
// short-circuiting the full idle timeout once the FSM is already Closed.
func FastRecycleTimeout() time.Duration { return fastRecycleTimeout }

// FSM is one Client's authorization and close state machine.
type FSM struct {
	native  NativeClient
	fileio  FileRemover
	cmds    *cmdqueue.Queue
	pending *pendingquery.Registry

	token      string
	storageDir string
	testDC     bool
	apiID      int
	apiHash    string

	mu                  sync.Mutex
	state               State
	myID                int64
	unauthorizable      bool // set on 401 API_ID_INVALID
	nextAuthorizationAt time.Time
	clearTQueueOnClose  bool

	closed atomic.Bool

	onReady func() // called once, on first transition into Ready
	onClose func() // called once the Closed teardown finishes
}

// New constructs an FSM for one bot Client.
func New(native NativeClient, fileio FileRemover, cmds *cmdqueue.Queue, pending *pendingquery.Registry, token, storageDir string, testDC bool, apiID int, apiHash string) *FSM {
	return &FSM{
		native: native, fileio: fileio, cmds: cmds, pending: pending,
		token: token, storageDir: storageDir, testDC: testDC, apiID: apiID, apiHash: apiHash,
		state: StateWaitTdlibParameters,
	}
}

// OnReady registers the callback invoked the first time the Client
// reaches Ready (flush pre-auth buffer, start draining cmd_queue_, per
// §4.K).
func (f *FSM) OnReady(cb func()) { f.onReady = cb }

// OnClose registers the callback invoked once the Closed teardown
// completes.
func (f *FSM) OnClose(cb func()) { f.onClose = cb }

// State reports the current FSM state, for admin introspection.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsAcceptingRequests reports whether new native requests may be
// dispatched, per §3 invariant 8: false while LoggingOut or Closing/Closed.
func (f *FSM) IsAcceptingRequests() bool {
	s := f.State()
	return s != StateLoggingOut && s != StateClosing && s != StateClosed
}

// Advance drives the FSM on an updateAuthorizationState transition from the
// native client (component G feeds this through). kind is the native
// state's discriminator name, mirroring td_api's own update.
func (f *FSM) Advance(kind string) {
	switch kind {
	case "waitTdlibParameters":
		f.handleWaitTdlibParameters()
	case "waitPhoneNumber":
		f.handleWaitPhoneNumber()
	case "ready":
		f.handleReadyTick()
	case "loggingOut":
		f.setState(StateLoggingOut)
	case "closing":
		f.setState(StateClosing)
	case "closed":
		f.handleClosed()
	}
}

func (f *FSM) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	if s != StateReady {
		f.cmds.Close()
	}
}

func (f *FSM) handleWaitTdlibParameters() {
	f.native.SetPerformanceOptions()
	if err := f.native.SetTdlibParameters(f.storageDir, f.testDC, f.apiID, f.apiHash); err != nil {
		f.failClosed(err)
	}
}

func (f *FSM) handleWaitPhoneNumber() {
	f.native.SetOnline(true)
	if err := f.native.CheckAuthenticationBotToken(f.token); err != nil {
		f.handleAuthError(err)
	}
}

// handleAuthError classifies a login error per §4.K's back-off table.
func (f *FSM) handleAuthError(err error) {
	code, retryAfter, message := classifyAuthError(err)
	switch {
	case code == 401 && message == "API_ID_INVALID":
		f.mu.Lock()
		f.unauthorizable = true
		f.mu.Unlock()
		f.failClosed(err)
	case code == 401:
		_ = f.native.LogOut()
		f.failClosed(err)
	case code == 429:
		f.mu.Lock()
		f.nextAuthorizationAt = clock.Now().Add(retryAfter)
		f.mu.Unlock()
		// retried on the next state tick, per §4.K
	case code >= 500:
		time.Sleep(time.Second)
		// retried on the next state tick
	}
}

func (f *FSM) handleReadyTick() {
	f.mu.Lock()
	haveMyID := f.myID != 0
	f.mu.Unlock()
	if !haveMyID {
		userID, err := f.native.GetMe()
		if err != nil {
			f.handleAuthError(err)
			return
		}
		f.mu.Lock()
		f.myID = userID
		f.mu.Unlock()
	}

	f.mu.Lock()
	already := f.state == StateReady
	f.state = StateReady
	f.mu.Unlock()

	if !already {
		if f.onReady != nil {
			f.onReady()
		}
		f.cmds.Open()
	}
}

func (f *FSM) failClosed(err error) {
	_ = err
	f.setState(StateClosing)
}

func (f *FSM) handleClosed() {
	f.mu.Lock()
	f.state = StateClosed
	clearTQueue := f.clearTQueueOnClose
	dir := f.storageDir
	f.mu.Unlock()

	closingErr := f.closingErrorLocked()
	f.pending.FailAll(closingErr)
	f.cmds.Close()

	if clearTQueue {
		go func() { _ = f.fileio.RemoveAll(dir) }()
	}

	if f.closed.CompareAndSwap(false, true) && f.onClose != nil {
		f.onClose()
	}
}

// closingErrorLocked builds the §4.L Closing Error appropriate to the
// current state; callers of this FSM's ClosingError() use the exported
// wrapper instead.
func (f *FSM) closingErrorLocked() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.unauthorizable:
		return flood.NewClosingError(flood.ClosingInvalidAPIID, time.Time{})
	case !f.nextAuthorizationAt.IsZero() && f.nextAuthorizationAt.After(clock.Now()):
		return flood.NewClosingError(flood.ClosingRetryScheduled, f.nextAuthorizationAt)
	case f.clearTQueueOnClose:
		return flood.NewClosingError(flood.ClosingLoggedOutTQueueCleared, time.Time{})
	case f.state == StateLoggingOut:
		return flood.NewClosingError(flood.ClosingPlainLogout, time.Time{})
	default:
		return flood.NewClosingError(flood.ClosingClosing, time.Time{})
	}
}

// ClosingError returns the deterministic error every query receives once
// the FSM has entered Closing/LoggingOut, per §4.L / §8 property 9.
func (f *FSM) ClosingError() error { return f.closingErrorLocked() }

// RequestLogOut starts the explicit logout path; clearTQueue controls
// whether the Closed handler also removes the Client's storage directory
// (asynchronously). The Closed handler does not clear the TQueue bucket and
// does not delete the persisted webhook row. gotd's native client has no asynchronous
// updateAuthorizationState push the way TDLib does (see client.bringUp's
// doc comment), so unlike a TDLib-backed FSM this drives straight through
// to the Closed teardown once the synchronous LogOut call returns, instead
// of waiting for a later Advance("closed").
func (f *FSM) RequestLogOut(clearTQueue bool) error {
	f.mu.Lock()
	f.clearTQueueOnClose = clearTQueue
	f.mu.Unlock()
	f.setState(StateLoggingOut)
	err := f.native.LogOut()
	f.Advance("closed")
	return err
}

// RequestClose starts the close handshake (the "close" Bot API method) and,
// since Close() blocks until the native client has actually shut down,
// advances straight into the Closed teardown once it returns.
func (f *FSM) RequestClose() error {
	f.setState(StateClosing)
	err := f.native.Close()
	f.Advance("closed")
	return err
}

// classifyAuthError maps a native login error to (code, retryAfter,
// message) per §4.K; production code would inspect the native client's own
// typed error here. Kept narrow and pure so it is trivially unit-testable.
func classifyAuthError(err error) (code int, retryAfter time.Duration, message string) {
	type coded interface {
		Code() int
		Message() string
		RetryAfter() time.Duration
	}
	if c, ok := err.(coded); ok {
		return c.Code(), c.RetryAfter(), c.Message()
	}
	return 500, 0, err.Error()
}

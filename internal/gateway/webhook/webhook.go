// Package webhook is component J: it owns set/delete/replace of the
// webhook target, manages the optional client certificate, drives the
// webhook-delivery actor's lifecycle, and surfaces last-error state. Spec
// §1 names the webhook HTTP delivery actor itself out of scope ("we
// specify only the lifecycle commands and callbacks exchanged with it");
// this package defines exactly that boundary as the Actor/ActorFactory
// interfaces.
//
// Certificate copy/unlink is grounded on the teacher's
// storage.AtomicWriteFile (internal/infra/storage) run off the actor
// thread, per spec §5 ("Filesystem side-effects ... must run off the
// actor thread; return a Result back to the actor"); persistence string
// encoding is grounded on the teacher's tdsession.Storage
// Load/Store-a-blob shape, here backed by internal/gateway/webhookdb.
package webhook

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"botapigateway/internal/gateway/longpoll"
	"botapigateway/internal/gateway/webhookdb"
	"botapigateway/internal/infra/clock"
)

// Params is the full set of webhook-affecting arguments, parsed and
// bounds-checked by the dispatcher (component D) before reaching here.
type Params struct {
	URL                string
	Certificate        []byte // nil if none supplied
	MaxConnections     int
	IPAddress          string
	SecretToken        string
	FixIPAddress       bool
	DropPendingUpdates bool
	AllowedUpdates     uint32
	AllowedUpdatesSet  bool // true only if the caller actually passed allowed_updates
}

// IsDelete reports whether Params represents deleteWebhook (empty URL).
func (p Params) IsDelete() bool { return p.URL == "" }

const (
	minMaxConnections       = 1
	maxMaxConnectionsNormal = 100
	maxMaxConnectionsLocal  = 100000
	maxSecretTokenLen       = 256
	debounceWindow          = time.Second
)

// ValidationError is returned by Validate for a malformed setWebhook call;
// callers translate it to HTTP 400 per §7.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return "Bad Request: " + e.Reason }

// Validate applies §4.J's checks: HTTPS URL (unless deleting), max
// connections bounds (wider in local mode), and a URL-safe-base64 secret
// token no longer than 256 characters.
func Validate(p Params, localMode bool) error {
	if p.IsDelete() {
		return nil
	}
	u, err := url.Parse(p.URL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return &ValidationError{Reason: "webhook url must be an https:// URL"}
	}
	maxAllowed := maxMaxConnectionsNormal
	if localMode {
		maxAllowed = maxMaxConnectionsLocal
	}
	if p.MaxConnections == 0 {
		p.MaxConnections = 40
	}
	if p.MaxConnections < minMaxConnections || p.MaxConnections > maxAllowed {
		return &ValidationError{Reason: fmt.Sprintf("max_connections must be between %d and %d", minMaxConnections, maxAllowed)}
	}
	if len(p.SecretToken) > maxSecretTokenLen {
		return &ValidationError{Reason: "secret_token must not exceed 256 characters"}
	}
	for _, r := range p.SecretToken {
		if !isURLSafeBase64Rune(r) {
			return &ValidationError{Reason: "secret_token must be URL-safe base64 characters"}
		}
	}
	return nil
}

func isURLSafeBase64Rune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	default:
		return false
	}
}

// Equal reports whether two Params would produce the same persisted
// webhook state, ignoring AllowedUpdates — §4.J's "identical parameters"
// short-circuit only ever compares the non-mask fields.
func (p Params) Equal(o Params) bool {
	return p.URL == o.URL &&
		string(p.Certificate) == string(o.Certificate) &&
		p.MaxConnections == o.MaxConnections &&
		p.IPAddress == o.IPAddress &&
		p.SecretToken == o.SecretToken &&
		p.FixIPAddress == o.FixIPAddress &&
		p.DropPendingUpdates == o.DropPendingUpdates
}

// Encode serializes p into the single opaque persistence string of §4.J:
// markers cert/, #maxc<N>/, #ip<IP>/, #fix_ip/, #secret<S>/, #allow<MASK>/,
// then the URL.
func Encode(p Params) string {
	var b strings.Builder
	if len(p.Certificate) > 0 {
		b.WriteString("cert/")
	}
	b.WriteString("#maxc")
	b.WriteString(strconv.Itoa(p.MaxConnections))
	b.WriteString("/")
	if p.IPAddress != "" {
		b.WriteString("#ip")
		b.WriteString(p.IPAddress)
		b.WriteString("/")
	}
	if p.FixIPAddress {
		b.WriteString("#fix_ip/")
	}
	if p.SecretToken != "" {
		b.WriteString("#secret")
		b.WriteString(p.SecretToken)
		b.WriteString("/")
	}
	b.WriteString("#allow")
	b.WriteString(strconv.FormatUint(uint64(p.AllowedUpdates), 10))
	b.WriteString("/")
	b.WriteString(p.URL)
	return b.String()
}

// Decode parses the §4.J persistence string back into Params. hasCert
// reports whether the "cert/" marker was present; the certificate bytes
// themselves are not round-tripped through this string (they live on disk
// at the Client's cert.pem path).
func Decode(s string) (p Params, hasCert bool, err error) {
	rest := s
	if strings.HasPrefix(rest, "cert/") {
		hasCert = true
		rest = strings.TrimPrefix(rest, "cert/")
	}
	for {
		switch {
		case strings.HasPrefix(rest, "#maxc"):
			rest = strings.TrimPrefix(rest, "#maxc")
			n, tail := takeUntilSlash(rest)
			p.MaxConnections, _ = strconv.Atoi(n)
			rest = tail
		case strings.HasPrefix(rest, "#ip"):
			rest = strings.TrimPrefix(rest, "#ip")
			ip, tail := takeUntilSlash(rest)
			p.IPAddress = ip
			rest = tail
		case strings.HasPrefix(rest, "#fix_ip/"):
			p.FixIPAddress = true
			rest = strings.TrimPrefix(rest, "#fix_ip/")
		case strings.HasPrefix(rest, "#secret"):
			rest = strings.TrimPrefix(rest, "#secret")
			secret, tail := takeUntilSlash(rest)
			p.SecretToken = secret
			rest = tail
		case strings.HasPrefix(rest, "#allow"):
			rest = strings.TrimPrefix(rest, "#allow")
			mask, tail := takeUntilSlash(rest)
			v, convErr := strconv.ParseUint(mask, 10, 32)
			if convErr != nil {
				return p, hasCert, fmt.Errorf("webhook: decode allow mask: %w", convErr)
			}
			p.AllowedUpdates = uint32(v)
			p.AllowedUpdatesSet = true
			rest = tail
		default:
			p.URL = rest
			return p, hasCert, nil
		}
	}
}

func takeUntilSlash(s string) (value, rest string) {
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

// FileIO is the dedicated file-I/O scheduler boundary of §5: certificate
// copy/unlink must never block the Client's actor thread.
type FileIO interface {
	CopyCert(destPath string, data []byte) error
	RemoveCert(destPath string) error
}

// ActorCallbacks are the lifecycle events an Actor reports back, per §4.J.
type ActorCallbacks struct {
	Verified func(cachedIPAddress string)
	Success  func()
	Error    func(status string)
	Closed   func(status string)
}

// Actor is the opaque webhook HTTP delivery actor boundary (out of scope
// per spec §1); Close asks it to stop, eventually invoking Closed.
type Actor interface {
	Close()
}

// ActorFactory spawns a new Actor for the given params and (if a
// certificate is present) its file path, wired to callbacks.
type ActorFactory func(p Params, certPath string, cb ActorCallbacks) Actor

// TQueueClearer clears a Client's TQueue bucket, for drop_pending_updates.
type TQueueClearer interface {
	Clear(queueID string) error
}

// Coordinator is one Client's webhook state, component J.
type Coordinator struct {
	token       string
	dc          int
	queueID     string
	certPath    string
	localMode   bool
	db          *webhookdb.DB
	fileio      FileIO
	newActor    ActorFactory
	tqueue      TQueueClearer
	longpoll    *longpoll.Coordinator

	mu             sync.Mutex
	active         Actor
	params         Params
	lastChangeAt   time.Time
	pendingChange  *pendingChange
	lastErrorDate  time.Time
	lastErrorMsg   string
	wakeCh         chan struct{}
}

type pendingChange struct {
	params   Params
	callback func(result any, err error)
}

// New constructs a Coordinator for one bot. The TQueue bucket id used for
// drop_pending_updates is not a parameter; SetQueueID wires it afterwards.
func New(token string, dc int, certPath string, localMode bool, db *webhookdb.DB, fileio FileIO, newActor ActorFactory, tq TQueueClearer, lp *longpoll.Coordinator) *Coordinator {
	return &Coordinator{
		token: token, dc: dc, certPath: certPath, localMode: localMode,
		db: db, fileio: fileio, newActor: newActor, tqueue: tq, longpoll: lp,
		wakeCh: make(chan struct{}),
	}
}

// NotifyWebhook wakes the active delivery actor, mirroring the Long-Poll
// Coordinator's NotifyLongPoll. The concrete Actor built by the caller's
// ActorFactory is the thing actually responsible for delivering updates
// (out of scope per spec §1); this just gives it a wakeup signal so it
// never has to busy-poll the TQueue.
func (c *Coordinator) NotifyWebhook() {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.wakeCh
	c.wakeCh = make(chan struct{})
	close(old)
}

// WakeChannel returns the current wakeup channel, closed on every
// NotifyWebhook call. An Actor implementation selects on this to know when
// to re-poll the TQueue instead of busy-waiting.
func (c *Coordinator) WakeChannel() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wakeCh
}

// Restore loads persisted webhook parameters at Client startup, per §9
// ("a Client may remain warm ... persistence" implies restart continuity).
// If a row exists, it re-installs the webhook without re-verifying.
func (c *Coordinator) Restore() error {
	encoded, found, err := c.db.Load(c.token, c.dc)
	if err != nil || !found {
		return err
	}
	params, hasCert, err := Decode(encoded)
	if err != nil {
		return err
	}
	_ = hasCert
	c.mu.Lock()
	c.params = params
	c.mu.Unlock()
	if !params.IsDelete() {
		c.longpoll.EnterWebhookMode()
		c.startActor(params)
	}
	return nil
}

// IsActive reports whether a webhook is currently installed.
func (c *Coordinator) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// SetWebhook implements §4.J's full set/delete/replace flow. callback is
// invoked exactly once with the HTTP-visible result or error.
func (c *Coordinator) SetWebhook(p Params, callback func(result any, err error)) {
	c.mu.Lock()
	if !c.lastChangeAt.IsZero() && clock.Monotonic().Sub(c.lastChangeAt) < debounceWindow {
		c.mu.Unlock()
		callback(nil, &RetryAfterError{Seconds: 1, Message: "Too Many Requests: retry after 1"})
		return
	}
	if c.pendingChange != nil {
		c.mu.Unlock()
		callback(nil, &RetryAfterError{Seconds: 1, Message: "Too Many Requests: another setWebhook is in progress"})
		return
	}
	if !p.IsDelete() && c.active != nil && p.Equal(c.params) {
		c.params.AllowedUpdates = p.AllowedUpdates
		c.params.AllowedUpdatesSet = p.AllowedUpdatesSet
		c.persistLocked()
		c.mu.Unlock()
		callback("Webhook is already set", nil)
		return
	}

	c.pendingChange = &pendingChange{params: p, callback: callback}
	hadActive := c.active != nil
	c.mu.Unlock()

	if p.DropPendingUpdates {
		_ = c.tqueue.Clear(c.queueID)
	}

	if hadActive {
		c.closeActiveThenInstall()
		return
	}
	c.installPending()
}

// RetryAfterError is surfaced when a second setWebhook collides with one
// already in flight, per §4.J.
type RetryAfterError struct {
	Seconds int
	Message string
}

func (e *RetryAfterError) Error() string { return e.Message }

func (c *Coordinator) closeActiveThenInstall() {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active != nil {
		active.Close()
		return // installPending runs from the onClosed callback
	}
	c.installPending()
}

func (c *Coordinator) installPending() {
	c.mu.Lock()
	pc := c.pendingChange
	c.mu.Unlock()
	if pc == nil {
		return
	}

	if pc.params.IsDelete() {
		c.finishDelete(pc)
		return
	}

	if len(pc.params.Certificate) > 0 {
		if err := c.fileio.CopyCert(c.certPath, pc.params.Certificate); err != nil {
			c.finish(pc, nil, fmt.Errorf("webhook: copy certificate: %w", err))
			return
		}
	}

	c.longpoll.EnterWebhookMode()
	c.startActor(pc.params)
}

func (c *Coordinator) startActor(p Params) {
	certPath := ""
	if len(p.Certificate) > 0 {
		certPath = c.certPath
	}
	var actor Actor
	actor = c.newActor(p, certPath, ActorCallbacks{
		Verified: func(cachedIP string) { c.onVerified(p, cachedIP) },
		Success:  c.onSuccess,
		Error:    c.onError,
		Closed:   c.onClosed,
	})
	c.mu.Lock()
	c.active = actor
	c.mu.Unlock()
}

func (c *Coordinator) onVerified(p Params, cachedIP string) {
	if cachedIP != "" {
		p.IPAddress = cachedIP
	}
	c.mu.Lock()
	c.params = p
	c.persistLocked()
	pc := c.pendingChange
	c.pendingChange = nil
	c.lastChangeAt = clock.Monotonic()
	c.mu.Unlock()
	if pc != nil {
		pc.callback(true, nil)
	}
}

func (c *Coordinator) onSuccess() {
	c.mu.Lock()
	c.lastErrorDate = time.Time{}
	c.lastErrorMsg = ""
	c.mu.Unlock()
}

// onError records the last webhook delivery error, per §4.J. The
// bot-updates-status string §4.J mentions for a large pending-update
// backlog is part of the bot-statistics surface spec §1 explicitly puts out
// of scope; last_webhook_error_date/message (surfaced via Status, below)
// is the part this gateway owns.
func (c *Coordinator) onError(status string) {
	c.mu.Lock()
	c.lastErrorDate = clock.Now()
	c.lastErrorMsg = status
	c.mu.Unlock()
}

func (c *Coordinator) onClosed(status string) {
	c.mu.Lock()
	c.active = nil
	hadCert := len(c.params.Certificate) > 0
	c.mu.Unlock()

	if hadCert {
		_ = c.fileio.RemoveCert(c.certPath)
	}

	c.mu.Lock()
	c.params = Params{}
	c.persistLocked()
	pc := c.pendingChange
	c.mu.Unlock()

	if pc != nil && !pc.params.IsDelete() {
		// This close was part of a set-webhook sequence: continue the install.
		c.installPending()
		return
	}
	if pc != nil {
		c.finishDelete(pc)
	}
	c.longpoll.ExitWebhookMode()
}

func (c *Coordinator) finishDelete(pc *pendingChange) {
	c.mu.Lock()
	c.params = Params{}
	c.persistLocked()
	c.pendingChange = nil
	c.lastChangeAt = clock.Monotonic()
	active := c.active
	c.mu.Unlock()

	if active != nil {
		active.Close()
		return // onClosed re-enters finishDelete's tail via the nil-active path
	}
	c.longpoll.ExitWebhookMode()
	pc.callback(true, nil)
}

func (c *Coordinator) finish(pc *pendingChange, result any, err error) {
	c.mu.Lock()
	c.pendingChange = nil
	c.mu.Unlock()
	pc.callback(result, err)
}

// persistLocked writes the current params to the Webhook DB. Caller must
// hold c.mu.
func (c *Coordinator) persistLocked() {
	if c.params.IsDelete() {
		_ = c.db.Delete(c.token, c.dc)
		return
	}
	_ = c.db.Store(c.token, c.dc, Encode(c.params))
}

// Info is the getWebhookInfo response shape.
type Info struct {
	URL                  string
	HasCustomCertificate bool
	PendingUpdateCount   int
	IPAddress            string
	LastErrorDate        time.Time
	LastErrorMessage     string
	MaxConnections       int
	AllowedUpdates       uint32
}

// Status returns the current webhook state for getWebhookInfo / the admin
// introspection surface.
func (c *Coordinator) Status(pendingCount int) Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		URL:                  c.params.URL,
		HasCustomCertificate: len(c.params.Certificate) > 0,
		PendingUpdateCount:   pendingCount,
		IPAddress:            c.params.IPAddress,
		LastErrorDate:        c.lastErrorDate,
		LastErrorMessage:     c.lastErrorMsg,
		MaxConnections:       c.params.MaxConnections,
		AllowedUpdates:       c.params.AllowedUpdates,
	}
}

// SetQueueID wires the TQueue bucket id after construction (avoids an
// import cycle between webhook and the Client assembling it).
func (c *Coordinator) SetQueueID(queueID string) { c.queueID = queueID }

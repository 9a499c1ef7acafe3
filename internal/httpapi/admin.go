package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"botapigateway/internal/gateway/authfsm"
	"botapigateway/internal/gateway/client"
	"botapigateway/internal/infra/lifecycle"
)

// AdminRouter is the private operator surface on config.AdminListenAddr:
// read-only introspection into a running Client's authorization state and
// webhook status, for the same kind of "is this bot healthy" check the
// teacher's debug/status tooling provides over its own CLI.
type AdminRouter struct {
	mgr *client.Manager
	lc  *lifecycle.Manager
	mux *chi.Mux
}

func NewAdmin(mgr *client.Manager, lc *lifecycle.Manager) *AdminRouter {
	a := &AdminRouter{mgr: mgr, lc: lc}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(render.SetContentType(render.ContentTypeJSON))
	r.Get("/admin/bots", a.listBots)
	r.Get("/admin/bots/{token}/status", a.botStatus)
	r.Get("/admin/health", a.health)
	a.mux = r
	return a
}

func (a *AdminRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) { a.mux.ServeHTTP(w, r) }

type botSummary struct {
	Token string `json:"token"`
	State string `json:"state"`
}

func (a *AdminRouter) listBots(w http.ResponseWriter, r *http.Request) {
	clients := a.mgr.All()
	out := make([]botSummary, 0, len(clients))
	for _, c := range clients {
		out = append(out, botSummary{Token: redactToken(c.Token), State: stateName(c.FSM.State())})
	}
	render.JSON(w, r, out)
}

type statusResponse struct {
	Token              string    `json:"token"`
	State              string    `json:"state"`
	WebhookActive      bool      `json:"webhook_active"`
	WebhookURL         string    `json:"webhook_url,omitempty"`
	PendingUpdateCount int       `json:"pending_update_count"`
	LastWebhookError   string    `json:"last_webhook_error,omitempty"`
	LastWebhookErrorAt time.Time `json:"last_webhook_error_at,omitempty"`
}

func (a *AdminRouter) botStatus(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	c, ok := a.mgr.Lookup(token)
	if !ok {
		writeTransportError(w, r, http.StatusNotFound, "bot not running")
		return
	}

	pending, _ := a.mgr.TQueue.Size(c.QueueID)
	info := c.Webhook.Status(pending)

	render.JSON(w, r, statusResponse{
		Token:              redactToken(c.Token),
		State:              stateName(c.FSM.State()),
		WebhookActive:      c.Webhook.IsActive(),
		WebhookURL:         info.URL,
		PendingUpdateCount: info.PendingUpdateCount,
		LastWebhookError:   info.LastErrorMessage,
		LastWebhookErrorAt: info.LastErrorDate,
	})
}

type nodeHealth struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// health reports the process-wide lifecycle.Manager's node statuses (the
// HTTP servers and console, not per-bot state — see botStatus for that),
// backing a simple "is the gateway process itself up" operator check.
func (a *AdminRouter) health(w http.ResponseWriter, r *http.Request) {
	snap := a.lc.Snapshot()
	out := make([]nodeHealth, 0, len(snap))
	for _, n := range snap {
		h := nodeHealth{Name: n.Name, Status: n.Status.String()}
		if n.Err != nil {
			h.Error = n.Err.Error()
		}
		out = append(out, h)
	}
	render.JSON(w, r, out)
}

func stateName(s authfsm.State) string {
	switch s {
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

func redactToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// Package httpapi is the public Bot API HTTP surface: POST /bot<token>/<method>
// plus a companion admin surface for operator introspection. Spec §1 names
// "the process-wide HTTP router that dispatches JSON/multipart requests into
// Client queries" explicitly out of scope for the core; this package is the
// thin, out-of-scope router that nonetheless has to exist for the Method
// Dispatcher (component D) to have anything to dispatch. Grounded on the
// chi+render router shape of the teacher pack's
// ruslan-hut-wfsync/internal/http-server/api package.
package httpapi

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/render"
)

// Result is the Bot API envelope every method response shares.
type Result struct {
	OK          bool        `json:"ok"`
	Result      any         `json:"result,omitempty"`
	ErrorCode   int         `json:"error_code,omitempty"`
	Description string      `json:"description,omitempty"`
	Parameters  *RespParams `json:"parameters,omitempty"`
}

// RespParams carries the handful of machine-readable hints the real Bot API
// attaches to specific failures.
type RespParams struct {
	RetryAfter     int    `json:"retry_after,omitempty"`
	MigrateToChat  int64  `json:"migrate_to_chat_id,omitempty"`
}

var retryAfterPattern = regexp.MustCompile(`retry after (\d+)`)

// writeOK renders a successful Bot API envelope.
func writeOK(w http.ResponseWriter, r *http.Request, result any) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, &Result{OK: true, Result: result})
}

// writeError renders a Bot API error envelope. The Bot API always answers
// HTTP 200 with ok:false for application-level errors — only transport
// failures (unroutable path, etc.) use a non-200 HTTP status, per spec §7's
// 404 "only for unknown HTTP method names" carve-out, which this package
// still surfaces as a 200 ok:false body since it arrives through Dispatch
// like any other handler error.
func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	render.Status(r, http.StatusOK)
	result := &Result{OK: false, ErrorCode: code, Description: message}
	if m := retryAfterPattern.FindStringSubmatch(message); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil {
			result.Parameters = &RespParams{RetryAfter: secs}
		}
	}
	render.JSON(w, r, result)
}

// writeTransportError is used only for the router's own transport-level
// failures (bad multipart body, oversized upload) that never reach Dispatch.
func writeTransportError(w http.ResponseWriter, r *http.Request, code int, message string) {
	render.Status(r, code)
	render.JSON(w, r, &Result{OK: false, ErrorCode: code, Description: message})
}

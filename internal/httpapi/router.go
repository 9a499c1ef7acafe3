package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"botapigateway/internal/gateway/client"
	"botapigateway/internal/gateway/dispatcher"
)

// maxUploadBytes bounds a single multipart request body; individual
// per-file-size pacing is the Flood & Resource Limiter's job (§4.L), this is
// just the router's own defense against an unbounded body.
const maxUploadBytes = 64 << 20

// Router is the public POST /bot<token>/<method> surface. It owns no bot
// state of its own — every request is handed straight to the Manager's
// Dispatch, which resolves the token to a Client and runs the shared
// Method Dispatcher (component D) against it.
type Router struct {
	mgr *client.Manager
	log *zap.Logger
	mux *chi.Mux
}

// New builds the router. RegisterKnownAliases/RegisterHandlers are expected
// to have already run against mgr.Table.
func New(mgr *client.Manager, log *zap.Logger) *Router {
	rt := &Router{mgr: mgr, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeTransportError(w, req, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeTransportError(w, req, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	r.Post("/bot{token}/{method}", rt.handleMethod)
	r.Get("/bot{token}/{method}", rt.handleMethod) // Bot API accepts GET with query args too

	rt.mux = r
	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

// handleMethod parses the request body (JSON or multipart/form-data) into a
// dispatcher.Args and delegates to the Manager. It performs no business
// validation itself — that is the Method Dispatcher's job; this function
// only translates wire shapes.
func (rt *Router) handleMethod(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	method := chi.URLParam(r, "method")

	args, hasFiles, uploadBytes, err := rt.parseArgs(r)
	if err != nil {
		writeTransportError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, derr := rt.mgr.Dispatch(r.Context(), token, method, hasFiles, uploadBytes, args)
	if derr != nil {
		writeError(w, r, derr.Code, derr.Message)
		return
	}
	writeOK(w, r, result)
}

// parseArgs decodes either a JSON body or a multipart/form-data body into
// the raw field map dispatcher.Args wraps. Multipart file parts populate
// the files map keyed by field name; a part whose field name is not also
// sent as a plain form field is auto-wired as though the caller had set
// that field to "attach://<field name>", matching
// how the real Bot API lets a caller upload a photo directly under the
// "photo" field instead of a two-step attach reference.
func (rt *Router) parseArgs(r *http.Request) (*dispatcher.Args, bool, int64, error) {
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "multipart/form-data") {
		return rt.parseMultipart(r)
	}

	raw := map[string]any{}
	if r.ContentLength != 0 && r.Method == http.MethodPost {
		body := io.LimitReader(r.Body, maxUploadBytes)
		dec := json.NewDecoder(body)
		if err := dec.Decode(&raw); err != nil && err != io.EOF {
			return nil, false, 0, err
		}
	}
	for key, values := range r.URL.Query() {
		if _, exists := raw[key]; !exists && len(values) > 0 {
			raw[key] = values[0]
		}
	}
	return dispatcher.NewArgs(raw, nil), false, 0, nil
}

func (rt *Router) parseMultipart(r *http.Request) (*dispatcher.Args, bool, int64, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, false, 0, err
	}

	raw := map[string]any{}
	for key, values := range r.MultipartForm.Value {
		if len(values) == 0 {
			continue
		}
		v := values[0]
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			switch decoded.(type) {
			case map[string]any, []any:
				raw[key] = decoded
				continue
			}
		}
		raw[key] = v
	}

	files := map[string][]byte{}
	var uploadBytes int64
	for field, headers := range r.MultipartForm.File {
		if len(headers) == 0 {
			continue
		}
		fh := headers[0]
		f, err := fh.Open()
		if err != nil {
			return nil, false, 0, err
		}
		data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
		f.Close()
		if err != nil {
			return nil, false, 0, err
		}
		files[field] = data
		uploadBytes += int64(len(data))
		if _, exists := raw[field]; !exists {
			raw[field] = "attach://" + field
		}
	}

	return dispatcher.NewArgs(raw, files), len(files) > 0, uploadBytes, nil
}

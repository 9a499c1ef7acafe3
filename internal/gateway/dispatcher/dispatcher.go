// Package dispatcher is component D: the process-wide, case-folded mapping
// from Bot API method name to handler, plus the small library of argument
// extractors every handler shares. Grounded on the teacher's name->handler
// command-table idiom (internal/domain/commands), enriched with
// github.com/go-playground/validator/v10 for struct-tag bounds checking and
// github.com/google/uuid for attach://NAME correlation ids, per
// SPEC_FULL.md's DOMAIN STACK table.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Args is the parsed, validated argument bag passed to a Handler. It is a
// thin wrapper over the raw JSON/multipart fields the out-of-scope HTTP
// router handed us (spec §1 names HTTP parsing itself out of scope); the
// extractor methods below apply the bounds/defaults spec §4.D requires.
type Args struct {
	raw   map[string]any
	files map[string][]byte // attach://NAME -> uploaded bytes, populated by the HTTP layer
}

// NewArgs wraps a decoded JSON/multipart field map.
func NewArgs(raw map[string]any, files map[string][]byte) *Args {
	if raw == nil {
		raw = map[string]any{}
	}
	if files == nil {
		files = map[string][]byte{}
	}
	return &Args{raw: raw, files: files}
}

// Error is the {code, message} contract every handler returns on failure
// (spec §4.D); the top-level Dispatch catches any panic/error and fails the
// query with exactly this shape without ever swallowing it into the native
// client.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%d: %s", e.Code, e.Message) }

func badRequest(format string, a ...any) *Error {
	return &Error{Code: 400, Message: fmt.Sprintf(format, a...)}
}

// Int extracts a required integer argument.
func (a *Args) Int(name string) (int64, *Error) {
	v, ok := a.raw[name]
	if !ok {
		return 0, badRequest("%s is required", name)
	}
	return toInt64(v, name)
}

// IntDefault extracts an optional integer with a default and inclusive
// bounds, matching the "integer extraction with per-argument bounds and
// defaults" extractor family of §4.D.
func (a *Args) IntDefault(name string, def, min, max int64) (int64, *Error) {
	v, ok := a.raw[name]
	if !ok || v == nil {
		return def, nil
	}
	n, err := toInt64(v, name)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, badRequest("%s must be between %d and %d", name, min, max)
	}
	return n, nil
}

func toInt64(v any, name string) (int64, *Error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		var out int64
		if _, err := fmt.Sscanf(n, "%d", &out); err != nil {
			return 0, badRequest("%s must be an integer", name)
		}
		return out, nil
	default:
		return 0, badRequest("%s must be an integer", name)
	}
}

// String extracts a required string.
func (a *Args) String(name string) (string, *Error) {
	v, ok := a.raw[name]
	if !ok {
		return "", badRequest("%s is required", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", badRequest("%s must be a string", name)
	}
	return s, nil
}

// StringDefault extracts an optional string.
func (a *Args) StringDefault(name, def string) string {
	v, ok := a.raw[name]
	if !ok || v == nil {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// Bool extracts an optional boolean, defaulting to false.
func (a *Args) Bool(name string) bool {
	v, ok := a.raw[name]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// JSON decodes a structured argument (reply-markup, input-media,
// reply-parameters, chat-permissions, etc. — the JSON-decoded family of
// §4.D) into dst, which must be a pointer.
func (a *Args) JSON(name string, dst any) *Error {
	v, ok := a.raw[name]
	if !ok || v == nil {
		return nil
	}
	if err := remarshal(v, dst); err != nil {
		return badRequest("%s is not valid JSON for its expected shape: %v", name, err)
	}
	return nil
}

// ResolveInputFile implements the input-file resolution rule of §4.D: a
// remote file id, an attach://NAME multipart reference, or (local mode) a
// file:/... path that is URL-decoded. Thumbnails fall back from "thumbnail"
// to "thumb".
type InputFile struct {
	FileID      string // remote file id, used as-is
	Attach      string // correlation id minted for an attach://NAME upload
	LocalPath   string // local-mode file:/... path
	UploadBytes []byte
}

func (a *Args) ResolveInputFile(name string, localMode bool) (*InputFile, *Error) {
	v, ok := a.raw[name]
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, badRequest("%s must be a string", name)
	}
	switch {
	case strings.HasPrefix(s, "attach://"):
		field := strings.TrimPrefix(s, "attach://")
		data, ok := a.files[field]
		if !ok {
			return nil, badRequest("%s references unknown multipart field %q", name, field)
		}
		return &InputFile{Attach: uuid.NewString(), UploadBytes: data}, nil
	case localMode && strings.HasPrefix(s, "file:/"):
		decoded, err := urlDecode(strings.TrimPrefix(s, "file:/"))
		if err != nil {
			return nil, badRequest("%s is not a valid local file reference", name)
		}
		return &InputFile{LocalPath: decoded}, nil
	default:
		return &InputFile{FileID: s}, nil
	}
}

// ThumbnailFile resolves the "thumbnail" argument with fallback to the
// legacy "thumb" name, per §4.D.
func (a *Args) ThumbnailFile(localMode bool) (*InputFile, *Error) {
	if _, ok := a.raw["thumbnail"]; ok {
		return a.ResolveInputFile("thumbnail", localMode)
	}
	return a.ResolveInputFile("thumb", localMode)
}

// Handler is a dispatcher entry. ctx carries the per-request deadline; args
// is the validated argument bag. Returns a JSON-able result or an *Error.
type Handler func(ctx context.Context, args *Args) (any, *Error)

// Table is the process-wide method table: case-folded name -> Handler, with
// alias resolution (getChatMembersCount == getChatMemberCount, etc.).
type Table struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	aliases   map[string]string
	validator *validator.Validate
}

// NewTable builds an empty table. Call Register for each method, then
// RegisterAlias for the Bot API's historical method-name synonyms.
func NewTable() *Table {
	return &Table{
		handlers:  make(map[string]Handler),
		aliases:   make(map[string]string),
		validator: validator.New(),
	}
}

// Register adds (or replaces) the handler for method, case-folded.
func (t *Table) Register(method string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[fold(method)] = h
}

// RegisterAlias makes alias resolve to the same handler as canonical, e.g.
// "kickChatMember" -> "banChatMember".
func (t *Table) RegisterAlias(alias, canonical string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aliases[fold(alias)] = fold(canonical)
}

// ValidateStruct runs struct-tag bounds validation (chat_id required, limit
// 1..100, timeout 0..50, etc.) on a decoded per-method argument struct,
// alongside the extractor library above.
func (t *Table) ValidateStruct(s any) *Error {
	if err := t.validator.Struct(s); err != nil {
		return badRequest("%v", err)
	}
	return nil
}

// Dispatch resolves method (case-insensitively, through aliases) and
// invokes its handler. Unknown method names are the only case that
// produces HTTP 404, per spec §7.
func (t *Table) Dispatch(ctx context.Context, method string, args *Args) (result any, dispatchErr *Error) {
	t.mu.RLock()
	name := fold(method)
	if canon, ok := t.aliases[name]; ok {
		name = canon
	}
	h, ok := t.handlers[name]
	t.mu.RUnlock()
	if !ok {
		return nil, &Error{Code: 404, Message: fmt.Sprintf("Not Found: method %q is not supported", method)}
	}

	defer func() {
		if r := recover(); r != nil {
			dispatchErr = &Error{Code: 500, Message: fmt.Sprintf("Internal Server Error: %v", r)}
		}
	}()

	return h(ctx, args)
}

func fold(s string) string { return strings.ToLower(s) }

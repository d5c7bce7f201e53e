package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Handler serves one method. A nil result is reported as "ok".
type Handler func(ctx context.Context, params Params) (any, error)

// Method pairs a name with its handler for bulk registration.
type Method struct {
	Name    string
	Handler Handler
}

// Lifecycle is the part of the session the dispatcher can stop.
type Lifecycle interface {
	Terminate()
}

// Dispatcher routes requests to an explicit method table. Methods are
// registered once when the session starts; the first registration of a
// name wins.
type Dispatcher struct {
	lifecycle Lifecycle
	log       zerolog.Logger

	mu      sync.RWMutex
	methods map[string]Handler
	order   []string
}

func NewDispatcher(lc Lifecycle, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		lifecycle: lc,
		log:       log,
		methods:   make(map[string]Handler),
	}
}

// Register adds a method. It reports false when name was already taken,
// in which case the earlier handler stays.
func (d *Dispatcher) Register(name string, h Handler) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.methods[name]; ok {
		d.log.Debug().Str("method", name).Msg("method already registered, keeping first")
		return false
	}
	d.methods[name] = h
	d.order = append(d.order, name)
	return true
}

func (d *Dispatcher) RegisterAll(methods []Method) {
	for _, m := range methods {
		d.Register(m.Name, m.Handler)
	}
}

// Methods lists registered names in registration order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}

func (d *Dispatcher) lookup(name string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.methods[name]
	return h, ok
}

// Handle decodes one request, runs it and returns the encoded response.
// It never fails: every problem is reported inside the response.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) []byte {
	if !gjson.ValidBytes(raw) {
		return encode(errorResponse(nullID, NewError(ParseError, "parse error")))
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return encode(errorResponse(nullID, NewError(InvalidRequest, "request must be an object")))
	}

	id := nullID
	if v := doc.Get("id"); v.Exists() {
		id = json.RawMessage(v.Raw)
	}

	method := doc.Get("method")
	if method.Type != gjson.String {
		return encode(errorResponse(id, NewError(InvalidRequest, "method must be a string")))
	}
	name := method.Str
	if strings.HasPrefix(name, "rpc.") || strings.HasPrefix(name, "_") {
		return encode(errorResponse(id, NewError(InvalidRequest, "method %q is reserved", name)))
	}

	params := doc.Get("params")
	if params.Exists() && params.Type != gjson.Null && !params.IsArray() && !params.IsObject() {
		return encode(errorResponse(id, NewError(InvalidRequest, "params must be an array or an object")))
	}

	log := d.log.With().Str("method", name).RawJSON("id", id).Logger()

	switch name {
	case "shutdown", "reset", "close_session":
		log.Info().Msg("terminating on request")
		if d.lifecycle != nil {
			d.lifecycle.Terminate()
		}
		return encode(resultResponse(id, "ok"))
	}

	h, ok := d.lookup(name)
	if !ok {
		return encode(errorResponse(id, NewError(MethodNotFound, "method not found: %s", name)))
	}

	result, err := d.call(ctx, h, NewParams([]byte(params.Raw)))
	if err != nil {
		log.Warn().Err(err).Msg("request failed")
		return encode(errorResponse(id, toError(err)))
	}
	log.Debug().Msg("request served")

	if result == nil {
		return encode(resultResponse(id, "ok"))
	}
	body, err := json.Marshal(result)
	if err != nil {
		return encode(errorResponse(id, &Error{Code: InternalError, Message: "internal error", Data: err.Error()}))
	}
	// A handler that already built a complete response gets it sent as is.
	if rj := gjson.ParseBytes(body); rj.IsObject() && rj.Get("jsonrpc").Exists() {
		return body
	}
	return encode(Response{JSONRPC: Version, ID: id, Result: body})
}

func (d *Dispatcher) call(ctx context.Context, h Handler, params Params) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("handler panicked")
			err = &Error{Code: InternalError, Message: "internal error", Data: fmt.Sprint(r)}
		}
	}()
	return h(ctx, params)
}

func toError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: InternalError, Message: "internal error", Data: err.Error()}
}

func resultResponse(id json.RawMessage, v any) Response {
	body, _ := json.Marshal(v)
	return Response{JSONRPC: Version, ID: id, Result: body}
}

func errorResponse(id json.RawMessage, e *Error) Response {
	return Response{JSONRPC: Version, ID: id, Error: e}
}

func encode(r Response) []byte {
	body, err := json.Marshal(r)
	if err != nil {
		// Only Error.Data can fail to marshal.
		r.Error = &Error{Code: r.Error.Code, Message: r.Error.Message}
		body, _ = json.Marshal(r)
	}
	return body
}

package weft

import (
	"net/http"
	"strings"
)

// Executor is the Executor Loop of spec §4.5: the sole owner of the
// script VM. It drains the Dispatch Channel, routes, invokes handlers,
// encodes responses, and delivers them to each request's reply slot.
// Single-threaded cooperative by construction — Run must only ever be
// called from one goroutine (spec §5).
type Executor struct {
	vm       *VM
	routes   *RouteTable
	dispatch *dispatchChannel
	logger   *Logger
	cfg      Config
	cors     *corsPolicy

	errorHandler *HandlerRef
	docs         *docsCache

	shutdown chan struct{}
}

// newExecutor wires an Executor from its collaborators. cors may be nil
// (no default CORS shaping configured).
func newExecutor(vm *VM, routes *RouteTable, dispatch *dispatchChannel, logger *Logger, cfg Config) *Executor {
	return &Executor{
		vm:       vm,
		routes:   routes,
		dispatch: dispatch,
		logger:   logger,
		cfg:      cfg,
		cors:     newCORSPolicy(cfg),
		shutdown: make(chan struct{}),
	}
}

// SetErrorHandler registers the script's on_error handler, if any (spec
// §4.5 step 6).
func (ex *Executor) SetErrorHandler(h HandlerRef) { ex.errorHandler = &h }

// SetDocs wires the documentation endpoint's cache (spec §6 "Docs
// endpoint").
func (ex *Executor) SetDocs(d *docsCache) { ex.docs = d }

// triggerShutdown switches the loop into drain mode: every request still
// in the channel receives 503 instead of being handled (spec §4.4
// "Channel closure on server shutdown causes the Executor Loop to drain
// remaining messages ... each delivered a 503 response").
func (ex *Executor) triggerShutdown() {
	close(ex.shutdown)
}

// Run is the Executor Loop's main body (spec §4.5 "Batched drain"):
// block-await one request, then non-blockingly drain up to
// ExecutorBatchSize additional requests into a batch, and process the
// batch serially. Returns once the dispatch channel is closed and fully
// drained (spec §4.8 shutdown).
func (ex *Executor) Run() {
	batchSize := ex.cfg.ExecutorBatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	for pr := range ex.dispatch.ch {
		batch := make([]*PendingRequest, 0, batchSize+1)
		batch = append(batch, pr)

	drain:
		for len(batch) < batchSize+1 {
			select {
			case next, ok := <-ex.dispatch.ch:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		for _, p := range batch {
			ex.processOne(p)
		}
	}
}

// processOne implements the per-request algorithm of spec §4.5 steps
// 1-8.
func (ex *Executor) processOne(pr *PendingRequest) {
	select {
	case <-ex.shutdown:
		ex.reply(pr, newStatusResponse(http.StatusServiceUnavailable, "server is shutting down"))
		return
	default:
	}

	requestID := newRequestID()

	method := strings.ToUpper(pr.Method)
	if !recognizedMethods[method] {
		ex.logger.Warnf(requestID, "rejected invalid HTTP method %q for %s", pr.Method, pr.Path)
		ex.reply(pr, newStatusResponse(http.StatusBadRequest, "invalid HTTP method"))
		return
	}

	if ex.cors != nil && method == "OPTIONS" && ex.cors.isPreflight(pr.Header) {
		ex.reply(pr, ex.cors.preflightResponse())
		return
	}

	if ex.docs != nil && ex.cfg.Docs && method == "GET" && pr.Path == ex.cfg.DocsPath {
		ex.reply(pr, ex.docs.response())
		return
	}

	match, methodMismatch := ex.routes.match(method, pr.Path)
	if match == nil {
		if methodMismatch && ex.cfg.MethodNotAllowedEnabled {
			ex.logger.Infof(requestID, "405 %s %s", method, pr.Path)
			ex.reply(pr, newStatusResponse(http.StatusMethodNotAllowed, "method not allowed"))
		} else {
			ex.logger.Infof(requestID, "404 %s %s", method, pr.Path)
			ex.reply(pr, newStatusResponse(http.StatusNotFound, "not found"))
		}
		return
	}

	ret, err := ex.vm.invokeHandler(match.handler, pr, match.params)
	if err != nil {
		ex.handleError(requestID, pr, err)
		return
	}

	if pr.Upgraded {
		ex.reply(pr, &Response{Upgraded: true})
		return
	}

	ex.reply(pr, encodeHandlerResult(ret, nil))
}

// handleError implements spec §4.5 step 6: delegate to a registered
// on_error handler if present, else produce a 500 whose message
// visibility is governed by debug mode (SPEC_FULL.md §C).
func (ex *Executor) handleError(requestID string, pr *PendingRequest, raised error) {
	ex.logger.Errorf(requestID, "handler error for %s %s: %v", pr.Method, pr.Path, raised)

	if ex.errorHandler != nil {
		ret, err := ex.vm.invokeErrorHandler(*ex.errorHandler, raised)
		if err == nil {
			ex.reply(pr, encodeHandlerResult(ret, nil))
			return
		}
		ex.logger.Errorf(requestID, "on_error handler itself failed: %v", err)
	}

	ex.reply(pr, encodeHandlerResult(nil, ex.redact(raised)))
}

// redact implements the debug-mode error-visibility policy knob named as
// an Open Question in spec §9 and fixed by SPEC_FULL.md §C: full error
// text is only reflected to the client when Config.DebugMode is set;
// otherwise a terse message is substituted for 500-class errors (the
// schema guard's 400-class messages are always safe to show).
func (ex *Executor) redact(err error) error {
	if ex.cfg.DebugMode {
		return err
	}
	if se, ok := err.(*StatusError); ok && se.Status < http.StatusInternalServerError {
		return se
	}
	return &StatusError{Status: http.StatusInternalServerError, Message: "internal server error"}
}

// reply applies default CORS headers (if configured) and delivers resp to
// pr's single-use reply slot. The slot is buffered to size 1, so this
// never blocks; a slot already dropped by a disconnected Connection Task
// (spec §4.7 "Cancellation") is simply discarded.
func (ex *Executor) reply(pr *PendingRequest, resp *Response) {
	if resp.Upgraded {
		select {
		case pr.Reply <- resp:
		default:
		}
		return
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if ex.cors != nil {
		ex.cors.applyHeaders(resp.Header, pr.Header.Get("Origin"))
	}
	select {
	case pr.Reply <- resp:
	default:
	}
}

package weft

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// errBodyTooLarge is returned by collectBody when a request body exceeds
// Config.BodySizeLimit (spec §4.3, §7 "Body-limit errors").
var errBodyTooLarge = errors.New("weft: request body exceeds the configured limit")

// Server ties the Acceptor, the Dispatch Channel, and the Executor Loop
// together into the runnable core described by spec §2's data flow:
// Acceptor → Connection Task → Request Parser → Dispatch Channel →
// Executor Loop → reply slot → Connection Task → socket. Grounded on the
// teacher's server.go, re-based from fasthttp onto net/http plus
// golang.org/x/net/http2/h2c for plain HTTP/2 (spec §6 "HTTP/1.1 and
// HTTP/2 per RFCs; TLS termination is out of scope for the core").
type Server struct {
	cfg      Config
	logger   *Logger
	routes   *RouteTable
	vm       *VM
	dispatch *dispatchChannel
	executor *Executor
	docs     *docsCache

	httpServer *http.Server
}

// New builds a Server from its collaborators. vm must already have its
// script loaded (VM.LoadScript) and routes must already be built
// (BuildRouteTable) from the script's exported handler tree.
func New(cfg Config, vm *VM, routes *RouteTable) *Server {
	logger := newLogger(cfg)
	dispatch := newDispatchChannel(cfg.DispatchChannelSize)
	executor := newExecutor(vm, routes, dispatch, logger, cfg)

	var docs *docsCache
	if cfg.Docs {
		docs = newDocsCache()
		executor.SetDocs(docs)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		routes:   routes,
		vm:       vm,
		dispatch: dispatch,
		executor: executor,
		docs:     docs,
	}

	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:    cfg.Address(),
		Handler: h2c.NewHandler(http.HandlerFunc(s.serveHTTP), h2s),
	}

	return s
}

// SetErrorHandler registers the script's on_error handler (spec §4.5 step
// 6, SPEC_FULL.md §C).
func (s *Server) SetErrorHandler(h HandlerRef) {
	s.executor.SetErrorHandler(h)
}

// SetDocs supplies the pre-rendered OpenAPI HTML served at
// Config.DocsPath (spec §6 "Docs endpoint").
func (s *Server) SetDocs(html string) {
	if s.docs != nil {
		s.docs.Set(html)
	}
}

// Serve runs the Executor Loop and the Acceptor; it blocks until Shutdown
// is called or the listener fails to bind (spec §4.8).
func (s *Server) Serve() error {
	go s.executor.Run()

	s.logger.Infof("", "weft listening on %s", s.cfg.Address())
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections, waits for in-flight ones up
// to ShutdownGracePeriod, and puts the Executor Loop into drain mode so
// anything still queued in the Dispatch Channel gets a 503 rather than
// being handled (spec §4.4, §4.8).
func (s *Server) Shutdown(ctx context.Context) error {
	grace := s.cfg.ShutdownGracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	s.executor.triggerShutdown()
	s.dispatch.close()
	return err
}

// serveHTTP is the Connection Task of spec §4.7, expressed as a single
// net/http.Handler call: parse the request, enqueue a PendingRequest with
// a fresh reply slot, await the reply, write the response. net/http
// itself supplies the underlying keep-alive loop and HTTP/2 stream
// multiplexing this method is called once per.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := s.collectBody(r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			w.Header().Set("Connection", "close")
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	pr := newPendingRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Clone(), body, r.RemoteAddr)
	pr.Upgrade = func() (*WebSocketConn, error) { return upgradeHandoff(w, r) }

	sendCtx := r.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(sendCtx, s.cfg.RequestTimeout)
		defer cancel()
	}

	if err := s.dispatch.send(sendCtx, pr); err != nil {
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var resp *Response
	if s.cfg.RequestTimeout > 0 {
		select {
		case resp = <-pr.Reply:
		case <-sendCtx.Done():
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
	} else {
		resp = <-pr.Reply
	}

	if resp.Upgraded {
		// The handler already hijacked the connection via ctx.upgrade();
		// writing anything more to w would corrupt the WebSocket stream.
		return
	}

	writeResponse(w, resp)
}

// collectBody implements the Request Parser's body collection policy
// (spec §4.3): for GET/HEAD/OPTIONS/DELETE the body is not collected by
// default; for other methods it is fully read up to BodySizeLimit, with
// anything beyond failing the request at 413.
func (s *Server) collectBody(r *http.Request) ([]byte, error) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodDelete:
		return nil, nil
	}

	limit := s.cfg.BodySizeLimit
	if limit <= 0 {
		limit = 1 << 20
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// writeResponse writes resp to w preserving header case exactly as
// produced by the handler (spec §8 "Responses preserve header case as
// produced by the handler"): a direct map assignment on w.Header()
// bypasses the canonicalization that Header.Set would otherwise apply.
func writeResponse(w http.ResponseWriter, resp *Response) {
	dst := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			headerCasePreserve(dst, k, v)
		}
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

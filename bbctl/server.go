// Package bbctl is an HTTP control surface for tracing. A Server starts and
// stops traces by writing lifecycle markers through a logger and submitting
// them to a trace writer, and reports the writer's lifecycle callbacks as
// events. A Client calls a Server, also over unix sockets.
package bbctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bernerdschaefer/eventsource"
	"github.com/oklog/ulid/v2"
	"github.com/peterbourgon/blackbox"
	"github.com/peterbourgon/blackbox/bbring"
	"github.com/peterbourgon/blackbox/bbtrace"
	"github.com/peterbourgon/blackbox/bbwriter"
	"github.com/peterbourgon/blackbox/internal/bbdebug"
	"github.com/peterbourgon/blackbox/internal/bbpubsub"
	"github.com/peterbourgon/blackbox/internal/bbrecent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("bbctl")

var (
	// ErrRateLimited is returned when trace starts are requested too often.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnknownTrace is returned when stopping a trace the server didn't
	// start, or which already finished.
	ErrUnknownTrace = errors.New("unknown trace")

	// ErrTraceActive is returned when starting a trace which is already
	// active, or stopping one which is already stopping.
	ErrTraceActive = errors.New("trace already active")
)

// Head is the buffer the writer consumes. New traces are submitted from its
// current head.
type Head interface {
	CurrentHead() bbring.Cursor
}

// Submitter accepts trace submissions, typically a *bbwriter.Writer.
type Submitter interface {
	Submit(cursor bbring.Cursor, traceID int64) error
}

// Server is the control surface. It must be registered as the callbacks of
// the trace writer it submits to, so it can observe trace lifecycles, and the
// writer must be set with SetWriter before traces can be started.
type Server struct {
	logger  *blackbox.Logger
	head    Head
	limiter *rate.Limiter
	broker  *bbpubsub.Broker[Event]
	recent  *bbrecent.List[Event]
	metrics http.Handler
	log     *zap.Logger
	now     func() time.Time
	mux     *http.ServeMux

	mtx    sync.Mutex
	writer Submitter
	active map[int64]*activeTrace
}

type activeTrace struct {
	requestID ulid.ULID
	path      string
	stopping  bool
	timer     *time.Timer
}

var _ bbwriter.Callbacks = (*Server)(nil)

// Option configures a server.
type Option func(*Server)

// WithRateLimit limits how often traces may be started. The default allows
// one start per second, with bursts of 10.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Server) { s.limiter = rate.NewLimiter(limit, burst) }
}

// WithRecent sets how many lifecycle events are kept for GET /traces. The
// default is 100.
func WithRecent(n int) Option {
	return func(s *Server) { s.recent = bbrecent.New[Event](n) }
}

// WithGatherer sets the metrics served by GET /metrics. By default, only the
// blackbox counters are served.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.metrics = promhttp.HandlerFor(g, promhttp.HandlerOpts{}) }
}

// WithLogger sets the diagnostic logger. The default discards.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer returns a server which writes markers through logger, and submits
// traces starting at the head of the buffer.
func NewServer(logger *blackbox.Logger, head Head, opts ...Option) *Server {
	s := &Server{
		logger:  logger,
		head:    head,
		limiter: rate.NewLimiter(rate.Every(time.Second), 10),
		broker:  bbpubsub.NewBroker[Event](),
		recent:  bbrecent.New[Event](100),
		log:     zap.NewNop(),
		now:     time.Now,
		mux:     http.NewServeMux(),
		active:  map[int64]*activeTrace{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		registry := prometheus.NewRegistry()
		registry.MustRegister(bbdebug.NewCollector())
		s.metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	s.mux.HandleFunc("POST /trace/start", s.handleStart)
	s.mux.HandleFunc("POST /trace/stop", s.handleStop)
	s.mux.HandleFunc("GET /trace/events", s.handleEvents)
	s.mux.HandleFunc("GET /traces", s.handleTraces)
	s.mux.Handle("GET /metrics", s.metrics)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// SetWriter sets the writer traces are submitted to.
func (s *Server) SetWriter(w Submitter) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.writer = w
}

// Active returns the ids of traces started by the server which haven't
// finished.
func (s *Server) Active() []int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ids := make([]int64, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Start writes a start marker for a new trace, and submits it to the writer.
func (s *Server) Start(req StartRequest) (StartResponse, error) {
	if !s.limiter.Allow() {
		return StartResponse{}, Error.Wrap(ErrRateLimited)
	}

	traceID := req.TraceID
	if traceID == 0 {
		traceID = rand.Int64N(math.MaxInt64-1) + 1
	}

	id, err := bbtrace.FormatID(traceID)
	if err != nil {
		return StartResponse{}, Error.Wrap(err)
	}

	requestID := ulid.Make()
	log := s.log.With(zap.Stringer("request_id", requestID), zap.Int64("trace_id", traceID))

	s.mtx.Lock()
	writer := s.writer
	if writer == nil {
		s.mtx.Unlock()
		return StartResponse{}, Error.New("no trace writer")
	}
	if _, ok := s.active[traceID]; ok {
		s.mtx.Unlock()
		return StartResponse{}, Error.Wrap(ErrTraceActive)
	}
	at := &activeTrace{requestID: requestID}
	s.active[traceID] = at
	s.mtx.Unlock()

	cursor := s.head.CurrentHead()
	s.logger.Log(blackbox.TypeTraceStart, 0, int64(req.Flags), traceID)

	if err := writer.Submit(cursor, traceID); err != nil {
		s.mtx.Lock()
		delete(s.active, traceID)
		s.mtx.Unlock()
		log.Warn("submit failed", zap.Error(err))
		return StartResponse{}, Error.Wrap(err)
	}

	if req.Timeout > 0 {
		s.mtx.Lock()
		at.timer = time.AfterFunc(req.Timeout, func() {
			if err := s.finish(traceID, blackbox.TypeTraceTimeout); err == nil {
				log.Info("trace timed out", zap.Duration("timeout", req.Timeout))
			}
		})
		s.mtx.Unlock()
	}

	log.Info("trace requested", zap.Int32("flags", req.Flags))
	return StartResponse{RequestID: requestID, TraceID: traceID, ID: id}, nil
}

// Stop writes an end marker for an active trace, or an abort marker if abort
// is true.
func (s *Server) Stop(traceID int64, abort bool) (StopResponse, error) {
	typ := blackbox.TypeTraceEnd
	if abort {
		typ = blackbox.TypeTraceAbort
	}
	if err := s.finish(traceID, typ); err != nil {
		return StopResponse{}, err
	}
	return StopResponse{RequestID: ulid.Make(), TraceID: traceID, Marker: typ.String()}, nil
}

func (s *Server) finish(traceID int64, typ blackbox.Type) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	at, ok := s.active[traceID]
	switch {
	case !ok:
		return Error.Wrap(ErrUnknownTrace)
	case at.stopping:
		return Error.Wrap(ErrTraceActive)
	}

	at.stopping = true
	if at.timer != nil {
		at.timer.Stop()
	}

	s.logger.Log(typ, 0, 0, traceID)
	return nil
}

// Subscribe sends lifecycle events to ch until the context is canceled.
func (s *Server) Subscribe(ctx context.Context, ch chan<- Event) (bbpubsub.Stats, error) {
	return s.broker.Subscribe(ctx, nil, ch)
}

// Recent returns up to n recent lifecycle events, newest first.
func (s *Server) Recent(n int) []Event {
	return s.recent.Recent(n)
}

// OnTraceStart implements bbwriter.Callbacks.
func (s *Server) OnTraceStart(traceID int64, flags int32, path string) {
	s.mtx.Lock()
	if at, ok := s.active[traceID]; ok {
		at.path = path
	}
	s.mtx.Unlock()

	s.publish(Event{Kind: KindStart, TraceID: traceID, Flags: flags, Path: path})
}

// OnTraceEnd implements bbwriter.Callbacks.
func (s *Server) OnTraceEnd(traceID int64, crc uint32) {
	s.publish(Event{Kind: KindEnd, TraceID: traceID, Path: s.done(traceID), CRC32: crc})
}

// OnTraceAbort implements bbwriter.Callbacks.
func (s *Server) OnTraceAbort(traceID int64, reason bbwriter.AbortReason) {
	s.publish(Event{Kind: KindAbort, TraceID: traceID, Path: s.done(traceID), Reason: reason.String()})
}

func (s *Server) done(traceID int64) (path string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	at, ok := s.active[traceID]
	if !ok {
		return ""
	}
	if at.timer != nil {
		at.timer.Stop()
	}
	delete(s.active, traceID)
	return at.path
}

func (s *Server) publish(ev Event) {
	ev.Time = s.now()
	ev.ID, _ = bbtrace.FormatID(ev.TraceID)
	s.recent.Add(ev)
	s.broker.Publish(ev)
	s.log.Debug("lifecycle event", zap.String("kind", ev.Kind), zap.Int64("trace_id", ev.TraceID))
}

//
//
//

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var (
		urlquery = r.URL.Query()
		req      = StartRequest{
			TraceID: parseDefault(urlquery.Get("id"), parseInt64, 0),
			Flags:   int32(parseDefault(urlquery.Get("flags"), strconv.Atoi, 0)),
			Timeout: parseDefault(urlquery.Get("timeout"), time.ParseDuration, 0),
		}
	)

	if req.TraceID < 0 {
		respondError(w, fmt.Errorf("invalid trace id %d", req.TraceID), http.StatusBadRequest)
		return
	}

	res, err := s.Start(req)
	if err != nil {
		respondError(w, err, statusCode(err))
		return
	}

	respondJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var (
		urlquery = r.URL.Query()
		traceID  = parseDefault(urlquery.Get("id"), parseInt64, 0)
		abort    = parseDefault(urlquery.Get("abort"), strconv.ParseBool, false)
	)

	if traceID <= 0 {
		respondError(w, fmt.Errorf("missing or invalid trace id"), http.StatusBadRequest)
		return
	}

	res, err := s.Stop(traceID, abort)
	if err != nil {
		respondError(w, err, statusCode(err))
		return
	}

	respondJSON(w, http.StatusAccepted, res)
}

const (
	eventTypeInit      = "init.1"
	eventTypeLifecycle = "lifecycle.1"
	eventTypeHeartbeat = "heartbeat.1"
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !requestExplicitlyAccepts(r, "text/event-stream") {
		respondError(w, fmt.Errorf("invalid request Accept header (%s)", r.Header.Get("accept")), http.StatusBadRequest)
		return
	}

	var (
		ctx       = r.Context()
		sendbuf   = parseRange(r.URL.Query().Get("sendbuf"), strconv.Atoi, 1, 100, 10000)
		heartbeat = parseDefault(r.URL.Query().Get("heartbeat"), time.ParseDuration, 10*time.Second)
		evc       = make(chan Event, sendbuf)
	)

	if err := s.broker.Add(nil, evc); err != nil {
		respondError(w, err, http.StatusInternalServerError)
		return
	}
	defer func() {
		stats, err := s.broker.Remove(evc)
		s.log.Debug("event stream done", zap.Stringer("stats", stats), zap.Error(err))
	}()

	eventsource.Handler(func(lastID string, enc *eventsource.Encoder, stop <-chan bool) {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		if err := enc.Encode(eventsource.Event{
			Type: eventTypeInit,
			Data: []byte(fmt.Sprintf(`{"sendbuf":%d}`, sendbuf)),
		}); err != nil {
			s.log.Debug("encode init event", zap.Error(err))
			return
		}

		for {
			select {
			case ev := <-evc:
				data, err := json.Marshal(ev)
				if err != nil {
					s.log.Warn("marshal event", zap.Error(err))
					continue
				}
				if err := enc.Encode(eventsource.Event{
					Type: eventTypeLifecycle,
					Data: data,
				}); err != nil {
					s.log.Debug("encode event", zap.Error(err))
					return
				}

			case <-ticker.C:
				if err := enc.Encode(eventsource.Event{
					Type: eventTypeHeartbeat,
					Data: []byte(`{}`),
				}); err != nil {
					s.log.Debug("encode heartbeat", zap.Error(err))
					return
				}

			case <-stop:
				return

			case <-ctx.Done():
				return
			}
		}
	}).ServeHTTP(w, r)
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	n := parseRange(r.URL.Query().Get("n"), strconv.Atoi, 1, 10, 1000)
	respondJSON(w, http.StatusOK, s.recent.Recent(n))
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnknownTrace):
		return http.StatusNotFound
	case errors.Is(err, ErrTraceActive):
		return http.StatusConflict
	case errors.Is(err, bbwriter.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

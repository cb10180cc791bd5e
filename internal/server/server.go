// Package server exposes the scheduler's debug and metrics surfaces over
// HTTP.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/signalsfoundry/enb-scheduler/core"
	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/internal/mac"
	"github.com/signalsfoundry/enb-scheduler/kb"
	"github.com/signalsfoundry/enb-scheduler/model"
)

const requestIDHeader = "X-Request-ID"

// Server serves /metrics and the read-only debug views of a cell.
type Server struct {
	router  chi.Router
	cell    *mac.Cell
	db      *kb.UEDatabase
	metrics http.Handler
	log     logging.Logger
	lock    sync.Locker
}

// Option configures a Server.
type Option func(*Server)

// WithLock makes the debug views hold l while reading scheduler state. The
// daemon passes the lock its TTI loop holds around each pass.
func WithLock(l sync.Locker) Option {
	return func(s *Server) {
		if l != nil {
			s.lock = l
		}
	}
}

// New registers every route. metrics may be nil when no collector is
// configured.
func New(cell *mac.Cell, db *kb.UEDatabase, metrics http.Handler, log logging.Logger, opts ...Option) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		router:  chi.NewRouter(),
		cell:    cell,
		db:      db,
		metrics: metrics,
		log:     log.With(logging.String("component", "http")),
		lock:    noLock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)

	r.With(s.serialize).Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.Route("/debug", func(r chi.Router) {
		r.Use(s.serialize)
		r.Get("/carriers", s.handleCarriers)
		r.Get("/carriers/{index}", s.handleCarrier)
		r.Get("/ues", s.handleUEs)
		r.Get("/ues/{rnti}", s.handleUE)
	})
}

// requestID puts a request ID and a request-scoped logger on the context,
// keeping an incoming X-Request-ID.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(requestIDHeader); id != "" {
			ctx = logging.ContextWithRequestID(ctx, id)
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, s.log.With(logging.String("path", r.URL.Path)))
		ctx = logging.ContextWithLogger(ctx, reqLog)
		w.Header().Set(requestIDHeader, logging.RequestIDFromContext(ctx))

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		reqLog.Debug(ctx, "http request",
			logging.String("method", r.Method),
			logging.Int("status", ww.Status()),
			logging.Any("duration", time.Since(start)))
	})
}

func (s *Server) serialize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.lock.Lock()
		defer s.lock.Unlock()
		next.ServeHTTP(w, r)
	})
}

// CarrierView is the debug view of one carrier scheduler.
type CarrierView struct {
	Index    uint32       `json:"index"`
	NumPRB   int          `json:"num_prb"`
	Halted   bool         `json:"halted"`
	Reason   string       `json:"halt_reason,omitempty"`
	UEs      int          `json:"ues"`
	LastPass *mac.Summary `json:"last_pass,omitempty"`
}

// UEView is the debug view of one UE.
type UEView struct {
	RNTI      string            `json:"rnti"`
	Carriers  []uint32          `json:"carriers"`
	Policy    string            `json:"policy"`
	DLBacklog int               `json:"dl_backlog"`
	ULBacklog int               `json:"ul_backlog"`
	CQI       map[string]int    `json:"cqi"`
	BusyHARQ  map[string]string `json:"busy_harq"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	for _, sched := range s.cell.Schedulers() {
		if sched.Halted() != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body[fmt.Sprintf("carrier_%d", sched.Config().Index)] = "halted"
		}
	}
	respondJSON(w, status, body)
}

func (s *Server) handleCarriers(w http.ResponseWriter, r *http.Request) {
	var out []CarrierView
	for _, sched := range s.cell.Schedulers() {
		out = append(out, s.carrierView(sched))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCarrier(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 32)
	if err != nil {
		respondError(w, http.StatusBadRequest, "carrier index must be a number")
		return
	}
	sched, ok := s.cell.Scheduler(uint32(idx))
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("carrier %d not found", idx))
		return
	}
	respondJSON(w, http.StatusOK, s.carrierView(sched))
}

func (s *Server) carrierView(sched *mac.Scheduler) CarrierView {
	cfg := sched.Config()
	v := CarrierView{
		Index:  cfg.Index,
		NumPRB: cfg.NumPRB,
		UEs:    len(s.db.ListUEsOnCarrier(cfg.Index)),
	}
	if err := sched.Halted(); err != nil {
		v.Halted = true
		v.Reason = err.Error()
	}
	if last := sched.LastResult(); last != nil {
		sum := last.Summary()
		v.LastPass = &sum
	}
	return v
}

func (s *Server) handleUEs(w http.ResponseWriter, r *http.Request) {
	ues := s.db.ListUEs()
	out := make([]UEView, 0, len(ues))
	for _, ue := range ues {
		out = append(out, ueView(ue))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleUE(w http.ResponseWriter, r *http.Request) {
	rnti, err := strconv.ParseUint(chi.URLParam(r, "rnti"), 0, 16)
	if err != nil {
		respondError(w, http.StatusBadRequest, "rnti must be a 16-bit number")
		return
	}
	ue := s.db.GetUE(uint16(rnti))
	if ue == nil {
		respondError(w, http.StatusNotFound, fmt.Sprintf("rnti 0x%x not attached", rnti))
		return
	}
	respondJSON(w, http.StatusOK, ueView(ue))
}

func ueView(ue *core.UE) UEView {
	cfg := ue.Config()
	dl, ul := ue.Backlog()
	v := UEView{
		RNTI:      fmt.Sprintf("0x%04x", ue.RNTI()),
		Carriers:  cfg.Carriers,
		Policy:    cfg.Policy.String(),
		DLBacklog: dl,
		ULBacklog: ul,
		CQI:       make(map[string]int, len(cfg.Carriers)),
		BusyHARQ:  make(map[string]string),
	}
	for _, c := range cfg.Carriers {
		v.CQI[strconv.FormatUint(uint64(c), 10)] = ue.CQI(c)
		for _, dir := range model.Directions {
			for _, p := range ue.HARQ(c, dir) {
				if p.IsIdle() {
					continue
				}
				key := fmt.Sprintf("%d/%s/%d", c, dir, p.ID())
				v.BusyHARQ[key] = fmt.Sprintf("tx=%d retx_pending=%t", p.TxCount(), p.RetxPending())
			}
		}
	}
	return v
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

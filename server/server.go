package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"stressmonitor/apperr"
	"stressmonitor/config"
	"stressmonitor/engine"
	"stressmonitor/hub"
	"stressmonitor/middleware"
	"stressmonitor/observer"
	"stressmonitor/protocol"
	"stressmonitor/shell"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Server struct {
	cfg     *config.Config
	hub     *hub.Hub
	engine  *engine.Engine
	relays  map[string]*shell.Relay
	limiter *middleware.RateLimiter
	started time.Time
	srv     *http.Server
}

// New builds the HTTP surface. relays maps a system id to its shell relay;
// systems without one answer 404 on their terminal route.
func New(cfg *config.Config, h *hub.Hub, eng *engine.Engine, relays map[string]*shell.Relay) *Server {
	if relays == nil {
		relays = map[string]*shell.Relay{}
	}
	s := &Server{
		cfg:     cfg,
		hub:     h,
		engine:  eng,
		relays:  relays,
		limiter: middleware.NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst, cfg.RateLimitShards),
		started: time.Now(),
	}
	// Only the header read is bounded; a full read or write timeout would
	// also apply to hijacked websocket connections.
	s.srv = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadTimeout.Duration,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	ingest := func(h http.HandlerFunc) http.Handler { return s.limiter.Handler(h) }
	mux.Handle("POST /api/progress", ingest(s.handleProgress))
	mux.Handle("POST /api/explosion", ingest(s.handleExplosion))
	mux.Handle("POST /api/system_info", ingest(s.handleSystemInfo))
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("GET /api/state", s.handleState)

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/ws/terminal1", s.terminal(protocol.SystemAsterisk))
	mux.HandleFunc("/ws/terminal2", s.terminal(protocol.SystemFreeSWITCH))
	mux.HandleFunc("/ws/terminal/{system_id}", func(w http.ResponseWriter, r *http.Request) {
		s.terminal(r.PathValue("system_id"))(w, r)
	})

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start serves until Shutdown; it returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start() error {
	log.WithField("addr", s.srv.Addr).Info("stress monitor listening")

	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		return s.srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	}
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	s.hub.Shutdown()
	return s.srv.Shutdown(ctx)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxMessageSize))
	if err != nil {
		return nil, apperr.Validation("unreadable request body: " + err.Error())
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	entry := log.WithError(err).WithFields(log.Fields{"path": r.URL.Path, "status": status})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sample, err := protocol.DecodeProgress(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.engine.OnProgress(r.Context(), sample); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExplosion(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ev, err := protocol.DecodeExplosion(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	outcome, err := s.engine.OnExplosion(r.Context(), ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": outcome})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := protocol.DecodeSystemInfo(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.engine.OnSystemInfo(r.Context(), info); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.engine.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StartTests(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"started": true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) compressionMode() websocket.CompressionMode {
	if s.cfg.CompressionEnabled {
		return websocket.CompressionContextTakeover
	}
	return websocket.CompressionDisabled
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    s.compressionMode(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "accept websocket")
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	return conn, nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.accept(w, r)
	if err != nil {
		log.WithError(err).Warn("observer rejected")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	o := observer.New(conn, s.cfg.SendBufferSize, cancel)
	o.RemoteAddr = middleware.ClientIP(r)
	s.hub.Register(o)
	log.WithFields(log.Fields{"observer": o.ID(), "remote": o.RemoteAddr}).Info("observer connected")

	go s.writePump(ctx, o)
	s.readPump(ctx, o)
}

// readPump discards whatever the observer sends; the channel is
// server-to-client only and inbound frames just keep it alive.
func (s *Server) readPump(ctx context.Context, o *observer.Conn) {
	defer s.hub.Unregister(o)

	for {
		if _, _, err := o.Conn.Read(ctx); err != nil {
			if !observer.IsExpectedClose(err) && ctx.Err() == nil {
				log.WithError(err).WithField("observer", o.ID()).Warn("observer read error")
			}
			return
		}
	}
}

func (s *Server) writePump(ctx context.Context, o *observer.Conn) {
	interval := s.cfg.PingInterval.Duration
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		s.hub.Unregister(o)
	}()

	write := func(data []byte) error {
		writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout.Duration)
		defer cancel()
		return o.Conn.Write(writeCtx, websocket.MessageText, data)
	}

	for {
		select {
		case data, ok := <-o.Send:
			if !ok {
				return
			}
			if err := write(data); err != nil {
				return
			}
			// drain what queued up meanwhile
			for n := len(o.Send); n > 0; n-- {
				extra, ok := <-o.Send
				if !ok {
					return
				}
				if err := write(extra); err != nil {
					return
				}
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout.Duration)
			err := o.Conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) terminal(systemID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		relay, ok := s.relays[systemID]
		if !ok {
			http.Error(w, "no shell for "+systemID, http.StatusNotFound)
			return
		}
		conn, err := s.accept(w, r)
		if err != nil {
			log.WithError(err).WithField("system", systemID).Warn("terminal rejected")
			return
		}
		if err := relay.Serve(r.Context(), conn); err != nil {
			log.WithError(err).WithField("system", systemID).Warn("terminal relay ended with error")
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"observers": s.hub.Count(),
		"run_id":    s.engine.CurrentRun(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	systems := make(map[string]interface{}, len(snap.Systems))
	for id, ts := range snap.Systems {
		systems[id] = map[string]interface{}{
			"steps":        len(ts.Steps),
			"exploded":     ts.Exploded,
			"max_cpu_load": ts.MaxCPULoad,
		}
	}
	terminals := make([]string, 0, len(s.relays))
	for _, id := range protocol.SystemIDs {
		if _, ok := s.relays[id]; ok {
			terminals = append(terminals, id)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"observers":          s.hub.Count(),
		"node_id":            s.hub.NodeID(),
		"shards":             s.cfg.ShardCount,
		"run_id":             snap.RunID,
		"analysis_scheduled": snap.AnalysisScheduled,
		"systems":            systems,
		"terminals":          terminals,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
	})
}

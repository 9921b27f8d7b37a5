// Package dashboard is the operator-facing HTTP surface: live status and
// camera views for the display layer, session commands, history queries
// and the prometheus scrape endpoint.
package dashboard

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ampline/linewatch/internal/control"
	"github.com/ampline/linewatch/internal/metrics"
	"github.com/ampline/linewatch/internal/session"
	"github.com/ampline/linewatch/internal/types"
)

// SessionCommander is the operator command surface of the session.
type SessionCommander interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context, endpoint1, endpoint2 string) error
	State() session.State
	Uptime() time.Duration
}

// MetricsSource yields a consistent metrics snapshot.
type MetricsSource interface {
	Snapshot() metrics.Snapshot
}

// FrameSource yields the latest completed frame for one camera, or nil.
type FrameSource interface {
	Latest() *types.Frame
}

// HistorySource answers log queries from the local database.
type HistorySource interface {
	Logs(date string) ([]types.LogEntry, error)
	LogImages(mid int) ([]byte, []byte, error)
}

// CredentialSource authenticates operators against the local database.
type CredentialSource interface {
	Login(id, pw string) (*types.User, error)
}

// RemoteAPI is the line control server surface the dashboard proxies:
// login fallback for accounts not mirrored locally, and aggregate
// statistics which only the server computes.
type RemoteAPI interface {
	Login(ctx context.Context, id, pw string) error
	Statistics(ctx context.Context, start, end time.Time) (*control.Stats, error)
}

// Server serves the dashboard on a single listener.
type Server struct {
	session  SessionCommander
	agg      MetricsSource
	cam1     FrameSource
	cam2     FrameSource
	history  HistorySource
	creds    CredentialSource
	remote   RemoteAPI
	gatherer prometheus.Gatherer

	srv     *http.Server
	started time.Time
}

// NewServer creates a dashboard Server.
func NewServer(sess SessionCommander, agg MetricsSource, cam1, cam2 FrameSource, history HistorySource, creds CredentialSource, remote RemoteAPI, gatherer prometheus.Gatherer) *Server {
	return &Server{
		session:  sess,
		agg:      agg,
		cam1:     cam1,
		cam2:     cam2,
		history:  history,
		creds:    creds,
		remote:   remote,
		gatherer: gatherer,
	}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/camera/1", s.cameraHandler(s.cam1))
	mux.HandleFunc("GET /api/camera/2", s.cameraHandler(s.cam2))
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /api/logs/{mid}/images", s.handleLogImages)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("GET /api/statistics", s.handleStatistics)
	mux.HandleFunc("POST /api/session/start", s.handleStart)
	mux.HandleFunc("POST /api/session/stop", s.handleStop)
	mux.HandleFunc("POST /api/session/restart", s.handleRestart)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start begins serving on addr. Non-blocking.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.started = time.Now()

	slog.Info("starting dashboard server", "addr", addr)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("dashboard server failed", "error", err)
		}
	}()

	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// statusResponse is what the display layer polls.
type statusResponse struct {
	State         string          `json:"state"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Completed     int             `json:"completed"`
	Defects       int             `json:"defects"`
	DefectRate    float64         `json:"defect_rate"`
	Series        []metrics.Point `json:"series"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.agg.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		State:         s.session.State().String(),
		UptimeSeconds: int64(s.session.Uptime().Seconds()),
		Completed:     snap.Completed,
		Defects:       snap.Defects,
		DefectRate:    snap.DefectRate,
		Series:        snap.Series,
	})
}

func (s *Server) cameraHandler(cam FrameSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		frame := cam.Latest()
		if frame == nil {
			http.Error(w, "no frame", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(frame.Data)
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	entries, err := s.history.Logs(date)
	if err != nil {
		slog.Error("log query failed", "date", date, "error", err)
		http.Error(w, "log query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLogImages(w http.ResponseWriter, r *http.Request) {
	mid, err := strconv.Atoi(r.PathValue("mid"))
	if err != nil {
		http.Error(w, "invalid measurement id", http.StatusBadRequest)
		return
	}
	img1, img2, err := s.history.LogImages(mid)
	if err != nil {
		slog.Error("image query failed", "mid", mid, "error", err)
		http.Error(w, "image query failed", http.StatusInternalServerError)
		return
	}
	if img1 == nil && img2 == nil {
		http.Error(w, "no images", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"img1_base64": base64.StdEncoding.EncodeToString(img1),
		"img2_base64": base64.StdEncoding.EncodeToString(img2),
	})
}

// handleLogin checks the local account table first and falls back to the
// line server for accounts not mirrored locally.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
		PW string `json:"pw"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "invalid login request", http.StatusBadRequest)
		return
	}

	user, err := s.creds.Login(req.ID, req.PW)
	if err != nil {
		slog.Error("local login query failed", "id", req.ID, "error", err)
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}
	if user != nil {
		writeJSON(w, http.StatusOK, map[string]any{"name": user.Name, "role": user.Role})
		return
	}

	switch err := s.remote.Login(r.Context(), req.ID, req.PW); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"name": req.ID, "role": 0})
	case errors.Is(err, control.ErrLoginFailed):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	default:
		slog.Error("remote login failed", "id", req.ID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "login unavailable"})
	}
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	end := time.Now()
	start := end.AddDate(0, 0, -7)
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			http.Error(w, "invalid start date", http.StatusBadRequest)
			return
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			http.Error(w, "invalid end date", http.StatusBadRequest)
			return
		}
		end = t
	}

	stats, err := s.remote.Statistics(r.Context(), start, end)
	if err != nil {
		slog.Error("statistics query failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "statistics unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Start(r.Context()); err != nil {
		slog.Error("session start failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.session.State().String()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Stop(r.Context()); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.session.State().String()})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	// Fresh endpoints are permitted on restart; empty keeps the current ones.
	q := r.URL.Query()
	if err := s.session.Restart(r.Context(), q.Get("endpoint_1"), q.Get("endpoint_2")); err != nil {
		slog.Error("session restart failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.session.State().String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

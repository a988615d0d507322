package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/yubilite/pcsc-agent/internal/logging"
	"github.com/yubilite/pcsc-agent/internal/pcsc"
	"github.com/yubilite/pcsc-agent/internal/settings"
	"github.com/yubilite/pcsc-agent/internal/updater"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build
	// Try to get VCS info from Go's build info
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				shortCommit := vcsRevision
				if len(shortCommit) > 7 {
					shortCommit = shortCommit[:7]
				}
				GitCommit = vcsRevision
				Version = "dev-" + shortCommit
				if vcsModified {
					Version += "-dirty"
				}
			}
			if vcsTime != "" {
				BuildTime = vcsTime
			}
		}
	}
}

// Server exposes the PC/SC bridge over HTTP and WebSocket. It owns one
// long-lived agent context/card pair for the plain HTTP endpoints; WebSocket
// clients run their own handle lifecycles.
type Server struct {
	layer   *pcsc.Layer
	client  *pcsc.Client
	hub     *WSHub
	checker *updater.Checker

	shutdown func()

	// agent-owned handles for the HTTP transmit path
	mu       sync.Mutex
	hContext int32
	hCard    int32
}

// NewServer creates the API server around a layer and its front end.
func NewServer(layer *pcsc.Layer, client *pcsc.Client) *Server {
	return &Server{
		layer:   layer,
		client:  client,
		checker: updater.NewChecker(Version),
	}
}

// SetShutdownHandler sets the callback for shutdown requests.
func (s *Server) SetShutdownHandler(handler func()) {
	s.shutdown = handler
}

// Mux constructs and returns the HTTP mux for the API.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/reader", corsMiddleware(s.handleReader))
	mux.HandleFunc("/v1/transmit", corsMiddleware(s.handleTransmit))
	mux.HandleFunc("/v1/version", corsMiddleware(s.handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(s.handleHealth))
	mux.HandleFunc("/v1/logs", corsMiddleware(s.handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(s.handleCrashes))
	mux.HandleFunc("/v1/settings", corsMiddleware(s.handleSettings))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(s.handleShutdown))
	mux.HandleFunc("/v1/updates", corsMiddleware(s.handleUpdates))
	mux.HandleFunc("/v1/ws", s.WebSocketHandler())
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				context := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				// Send to Sentry if enabled
				logging.CapturePanic(rec, stack, context)

				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", context, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(stack),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
					crashFile = ""
				}

				fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, rec, string(stack))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		// Wrap with recovery middleware
		recoveryMiddleware(next)(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// ensureCard lazily establishes the agent's own context and card handles
// for the HTTP transmit path. Returns the card handle or a PC/SC error code.
func (s *Server) ensureCard() (int32, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hContext == pcsc.NoContext {
		h, rc := s.client.EstablishContext()
		if rc != pcsc.Success {
			return 0, rc
		}
		s.hContext = h
	}

	if s.hCard == 0 {
		h, rc := s.client.Connect(s.hContext)
		if rc != pcsc.Success {
			return 0, rc
		}
		s.hCard = h
	}
	return s.hCard, pcsc.Success
}

// dropCard forgets the agent card handle so the next request reconnects.
func (s *Server) dropCard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hCard != 0 {
		s.client.Disconnect(s.hCard)
		s.hCard = 0
	}
}

func (s *Server) rcError(w http.ResponseWriter, status int, rc int64) {
	name, _ := s.layer.StringifyError(rc)
	respondJSON(w, status, map[string]any{
		"error":  "operation failed",
		"rc":     rc,
		"rcName": name,
	})
}

func (s *Server) handleReader(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	_, reader := s.layer.ListReaders()
	serial, _ := s.layer.CardSerial()
	state := s.layer.CardState()

	respondJSON(w, http.StatusOK, map[string]any{
		"reader":   reader,
		"state":    state,
		"present":  state != pcsc.StateAbsent,
		"atr":      hex.EncodeToString(s.layer.CardATR()),
		"serial":   serial,
		"contexts": s.layer.ContextCount(),
	})
}

func (s *Server) handleTransmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		APDU string `json:"apdu"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	cmd, err := hex.DecodeString(req.APDU)
	if err != nil || len(cmd) == 0 {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "apdu must be non-empty hex"})
		return
	}

	hCard, rc := s.ensureCard()
	if rc != pcsc.Success {
		s.rcError(w, http.StatusServiceUnavailable, rc)
		return
	}

	rsp, rc := s.client.Transmit(hCard, cmd)
	if rc != pcsc.Success {
		// The key may have been unplugged; reconnect on the next request.
		s.dropCard()
		s.rcError(w, http.StatusBadGateway, rc)
		return
	}

	logging.Debug(logging.CatHTTP, "APDU exchanged", map[string]any{
		"cmdLen": len(cmd),
		"rspLen": len(rsp),
	})
	respondJSON(w, http.StatusOK, map[string]any{
		"rc":       rc,
		"response": hex.EncodeToString(rsp),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	_, reader := s.layer.ListReaders()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"reader":      reader,
		"cardPresent": s.layer.CardState() != pcsc.StateAbsent,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	respondJSON(w, http.StatusOK, logging.GetLogs(limit))
}

func (s *Server) handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if name := r.URL.Query().Get("file"); name != "" {
		content, err := logging.ReadCrashLog(name)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{"error": "crash log not found"})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"name": name, "content": content})
		return
	}

	logs, err := logging.GetCrashLogs(20)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, settings.Get())
	case http.MethodPost:
		var req struct {
			CrashReporting *bool `json:"crashReporting"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		if req.CrashReporting != nil {
			if err := settings.SetCrashReporting(*req.CrashReporting); err != nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			logging.Info(logging.CatSystem, "Crash reporting preference changed", map[string]any{
				"enabled": *req.CrashReporting,
			})
		}
		respondJSON(w, http.StatusOK, settings.Get())
	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if s.shutdown == nil {
		respondJSON(w, http.StatusNotImplemented, map[string]string{"error": "shutdown not supported"})
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{Type: "shutdown"})
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	go s.shutdown()
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	force := r.URL.Query().Get("force") == "true"
	respondJSON(w, http.StatusOK, s.checker.Check(force))
}

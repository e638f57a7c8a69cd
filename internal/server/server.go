package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/audiolibrelab/voicemd/internal/audio"
	"github.com/audiolibrelab/voicemd/internal/service"
	"github.com/audiolibrelab/voicemd/internal/session"
	"github.com/audiolibrelab/voicemd/internal/voiceerr"
)

// SourceLister enumerates capture sources
type SourceLister func(ctx context.Context) ([]audio.Source, error)

// Server represents the web server for controlling Voice MD
type Server struct {
	service service.Service
	sources SourceLister
	port    string
	mux     *http.ServeMux
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	service.StatusInfo
	LastOutcome *OutcomeInfo `json:"last_outcome,omitempty"`
}

// OutcomeInfo summarizes a pipeline run
type OutcomeInfo struct {
	Text           string `json:"text"`
	Structured     bool   `json:"structured"`
	Empty          bool   `json:"empty"`
	RawPath        string `json:"raw_path,omitempty"`
	StructuredPath string `json:"structured_path,omitempty"`
	Warning        string `json:"warning,omitempty"`
	WarningKind    string `json:"warning_kind,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorKind      string `json:"error_kind,omitempty"`
	SaveError      string `json:"save_error,omitempty"`
}

// SourcesResponse represents the JSON response for sources endpoint
type SourcesResponse struct {
	Sources     []audio.Source `json:"sources"`
	LastChecked string         `json:"last_checked"`
}

// New creates a new web server instance
func New(svc service.Service, sources SourceLister, port string) *Server {
	s := &Server{service: svc, sources: sources, port: port, mux: http.NewServeMux()}
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/record/start", s.handleStartRecording)
	s.mux.HandleFunc("/record/stop", s.handleStopRecording)
	s.mux.HandleFunc("/record/cancel", s.handleCancelRecording)
	s.mux.HandleFunc("/record/modes", s.handleModes)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/sources", s.handleSources)
	s.mux.HandleFunc("/settings", s.handleSettings)
	s.mux.HandleFunc("/check", s.handleCheck)
	return s
}

// Handler returns the request router
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the web server and blocks until ctx is done
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting Voice MD Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ctrl := s.service.Active(); ctrl != nil {
			ctrl.Close()
		}
		return srv.Shutdown(shutdownCtx)
	}
}

// handleIndex serves a minimal control page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Voice MD</title>
</head>
<body>
    <h1>Voice MD</h1>
    <h2>API Endpoints:</h2>
    <ul>
        <li>POST /record/start - Open a session and start recording</li>
        <li>POST /record/stop - Stop and transcribe</li>
        <li>POST /record/cancel - Discard the recording</li>
        <li>POST /record/modes - Set diarize / post_process</li>
        <li>GET /status - Session status</li>
        <li>GET /sources - Capture sources</li>
        <li>GET, POST /settings - Read or update settings</li>
        <li>POST /check - Test the API key</li>
    </ul>
</body>
</html>`

// handleStartRecording opens a session when none is active and starts recording
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "start_recording")
		return
	}
	modes, err := parseModes(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "start_recording")
		return
	}

	ctrl := s.service.Active()
	if ctrl == nil {
		ctrl, err = s.service.Open(r.Context())
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, service.ErrMissingAPIKey) {
				status = http.StatusBadRequest
			}
			s.sendErrorResponse(w, status, voiceerr.Describe(err), "operation", "open_session")
			return
		}
	}
	if err := applyModes(ctrl, modes); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, err.Error(), "operation", "set_modes")
		return
	}

	if ctrl.State() != session.StateRecording {
		if err := ctrl.Start(r.Context()); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, session.ErrInvalidState) {
				status = http.StatusConflict
			}
			s.sendErrorResponse(w, status, voiceerr.Describe(err),
				"session_id", ctrl.ID(), "operation", "start_recording")
			return
		}
	}

	slog.Info("Server: recording started", "session_id", ctrl.ID())
	sendJSON(w, map[string]interface{}{
		"success":    true,
		"message":    ctrl.Status(),
		"session_id": ctrl.ID(),
		"modes":      ctrl.Modes(),
	})
}

// handleStopRecording stops the active recording and runs the pipeline
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctrl := s.service.Active()
	if ctrl == nil {
		s.sendErrorResponse(w, http.StatusConflict, service.ErrNoActiveSession.Error(), "operation", "stop_recording")
		return
	}

	if err := ctrl.Stop(context.WithoutCancel(r.Context())); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNotRecording) {
			status = http.StatusConflict
		}
		s.sendErrorResponse(w, status, fmt.Sprintf("Failed to stop recording: %v", err),
			"session_id", ctrl.ID(), "operation", "stop_recording")
		return
	}

	response := map[string]interface{}{
		"success":    true,
		"message":    "Recording stopped",
		"session_id": ctrl.ID(),
	}
	if outcome := s.service.LastOutcome(); outcome != nil {
		info := outcomeInfo(outcome)
		response["outcome"] = info
		if info.Error != "" {
			response["success"] = false
			response["error"] = info.Error
		}
	}
	sendJSON(w, response)
}

// handleCancelRecording discards the active session
func (s *Server) handleCancelRecording(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctrl := s.service.Active()
	if ctrl == nil {
		s.sendErrorResponse(w, http.StatusConflict, service.ErrNoActiveSession.Error(), "operation", "cancel_recording")
		return
	}
	ctrl.Close()
	sendJSON(w, map[string]interface{}{
		"success":    true,
		"message":    "Recording cancelled",
		"session_id": ctrl.ID(),
	})
}

// handleModes updates the per-session modes of the active session
func (s *Server) handleModes(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "set_modes")
		return
	}
	modes, err := parseModes(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "set_modes")
		return
	}
	ctrl := s.service.Active()
	if ctrl == nil {
		s.sendErrorResponse(w, http.StatusConflict, service.ErrNoActiveSession.Error(), "operation", "set_modes")
		return
	}
	if err := applyModes(ctrl, modes); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, err.Error(), "operation", "set_modes")
		return
	}
	sendJSON(w, map[string]interface{}{
		"success": true,
		"modes":   ctrl.Modes(),
	})
}

// handleStatus returns the current session status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	response := StatusResponse{StatusInfo: s.service.GetStatus()}
	if outcome := s.service.LastOutcome(); outcome != nil {
		info := outcomeInfo(outcome)
		response.LastOutcome = &info
	}
	sendJSON(w, response)
}

// handleSources returns the available capture sources
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	sources, err := s.sources(r.Context())
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list sources: %v", err), "operation", "list_sources")
		return
	}
	if sources == nil {
		sources = []audio.Source{}
	}
	sendJSON(w, SourcesResponse{Sources: sources, LastChecked: time.Now().Format(time.RFC3339)})
}

// handleSettings returns the masked settings or replaces them
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.service.Settings()
		if err != nil {
			s.sendErrorResponse(w, http.StatusInternalServerError,
				fmt.Sprintf("Failed to load settings: %v", err), "operation", "get_settings")
			return
		}
		sendJSON(w, settings.Masked())

	case http.MethodPost:
		current, err := s.service.Settings()
		if err != nil {
			s.sendErrorResponse(w, http.StatusInternalServerError,
				fmt.Sprintf("Failed to load settings: %v", err), "operation", "update_settings")
			return
		}
		updated := current
		if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest,
				fmt.Sprintf("Invalid settings: %v", err), "operation", "update_settings")
			return
		}
		// the masked key returned by GET means unchanged
		if updated.APIKey == current.Masked().APIKey {
			updated.APIKey = current.APIKey
		}
		if err := s.service.UpdateSettings(updated); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "update_settings")
			return
		}
		slog.Info("Settings updated")
		sendJSON(w, map[string]interface{}{
			"success":  true,
			"message":  "Settings saved",
			"settings": updated.Masked(),
		})

	default:
		sendMethodNotAllowed(w)
	}
}

// handleCheck tests the configured API key
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ok := s.service.TestConnection(r.Context())
	message := "Connection successful"
	if !ok {
		message = "Connection failed. Please check your API key."
	}
	sendJSON(w, map[string]interface{}{
		"success": ok,
		"message": message,
	})
}

type modeRequest struct {
	diarize     *bool
	postProcess *bool
}

func parseModes(r *http.Request) (modeRequest, error) {
	var m modeRequest
	for _, f := range []struct {
		name string
		dst  **bool
	}{{"diarize", &m.diarize}, {"post_process", &m.postProcess}} {
		v := r.FormValue(f.name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return m, fmt.Errorf("invalid %s value %q", f.name, v)
		}
		*f.dst = &b
	}
	return m, nil
}

func applyModes(ctrl *session.Controller, m modeRequest) error {
	if m.diarize != nil {
		ctrl.SetDiarization(*m.diarize)
	}
	if m.postProcess != nil {
		return ctrl.SetPostProcessing(*m.postProcess)
	}
	return nil
}

func outcomeInfo(o *service.Outcome) OutcomeInfo {
	info := OutcomeInfo{
		Text:           o.Text,
		Structured:     o.Structured,
		Empty:          o.Empty,
		RawPath:        o.RawPath,
		StructuredPath: o.StructuredPath,
	}
	if o.Warning != nil {
		info.Warning = o.Warning.UserMessage()
		info.WarningKind = string(o.Warning.Kind)
	}
	if o.Err != nil {
		info.Error = voiceerr.Describe(o.Err)
		var e *voiceerr.Error
		if errors.As(o.Err, &e) {
			info.ErrorKind = string(e.Kind)
		}
	}
	if o.SaveErr != nil {
		info.SaveError = o.SaveErr.Error()
	}
	return info
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		sendMethodNotAllowed(w)
		return false
	}
	return true
}

func sendMethodNotAllowed(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
}

func sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// sendErrorResponse logs the error with context and sends a JSON error body
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

// getLocalIP returns the local IP address for network access
func getLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

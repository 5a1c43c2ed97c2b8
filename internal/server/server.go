package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/speakcapture/speakcapture/internal/audio"
	"github.com/speakcapture/speakcapture/internal/capture"
	"github.com/speakcapture/speakcapture/internal/service"
	"github.com/speakcapture/speakcapture/internal/store"
)

// Server exposes the practice service over HTTP
type Server struct {
	service service.Service
	port    string
	metrics http.Handler
	engine  *gin.Engine

	// dbPing, when set, is checked by /health.
	dbPing func(context.Context) error
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	service.Status
	Message string `json:"message,omitempty"`
}

// GenericResponse is the envelope for simple command endpoints
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// SaveResponse is returned after a recording has been persisted
type SaveResponse struct {
	Success   bool             `json:"success"`
	Recording *store.Recording `json:"recording"`
}

// RecordingsResponse lists the stored recordings of a question
type RecordingsResponse struct {
	QuestionID string            `json:"question_id"`
	Recordings []store.Recording `json:"recordings"`
	Count      int               `json:"count"`
}

// New creates a server for svc. metrics may be nil.
func New(svc service.Service, port string, metrics http.Handler) *Server {
	s := &Server{
		service: svc,
		port:    port,
		metrics: metrics,
	}
	s.engine = s.routes()
	return s
}

// WithDatabaseCheck makes /health report 503 while ping fails.
func (s *Server) WithDatabaseCheck(ping func(context.Context) error) *Server {
	s.dbPing = ping
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	r.GET("/health", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	r.GET("/status", s.handleStatus)

	r.POST("/questions/:id/select", s.handleSelectQuestion)
	r.GET("/questions/:id/recordings", s.handleListRecordings)

	rec := r.Group("/record")
	{
		rec.POST("/start", s.handleStartRecording)
		rec.POST("/stop", s.handleStopRecording)
		rec.POST("/reset", s.handleReset)
		rec.GET("/artifact", s.handleArtifact)
		rec.POST("/save", s.handleSave)
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()
	slog.Info("Starting SpeakCapture Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	slog.Info("Server shutdown complete")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.dbPing != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.dbPing(ctx); err != nil {
			slog.Warn("Health check failed", "component", "database", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "database": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "database": "ok"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus returns the current session state
func (s *Server) handleStatus(c *gin.Context) {
	st := s.service.Status()
	c.JSON(http.StatusOK, StatusResponse{
		Status:  st,
		Message: s.generateStatusMessage(st),
	})
}

func (s *Server) handleSelectQuestion(c *gin.Context) {
	id := c.Param("id")
	if err := s.service.SelectQuestion(id); err != nil {
		s.sendErrorResponse(c, http.StatusBadRequest, err.Error(), "question_id", id, "operation", "select_question")
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: fmt.Sprintf("Question %s selected", id)})
}

func (s *Server) handleStartRecording(c *gin.Context) {
	if err := s.service.StartRecording(c.Request.Context()); err != nil {
		s.sendErrorResponse(c, statusFor(err), fmt.Sprintf("Failed to start recording: %v", err), "operation", "start_recording")
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Recording started"})
}

// handleStopRecording stops the capture and waits for the artifact
func (s *Server) handleStopRecording(c *gin.Context) {
	before := s.service.Status().Status
	if _, err := s.service.StopRecording(c.Request.Context()); err != nil {
		s.sendErrorResponse(c, statusFor(err), err.Error(), "operation", "stop_recording")
		return
	}

	message := "Recording stopped"
	if before != capture.StatusCapturing && before != capture.StatusStopping {
		message = "No recording in progress"
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: message})
}

func (s *Server) handleReset(c *gin.Context) {
	s.service.Reset()
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Recording discarded"})
}

// handleArtifact streams the current recording for review
func (s *Server) handleArtifact(c *gin.Context) {
	data, contentType, ok := s.service.Artifact()
	if !ok {
		s.sendErrorResponse(c, http.StatusNotFound, "No recording available", "operation", "artifact")
		return
	}
	if contentType == "audio/wav" {
		if err := audio.FinalizeWAV(data); err != nil {
			slog.Warn("Artifact is not a WAV stream", "error", err)
		}
	}
	c.Header("Content-Disposition", `inline; filename="recording.wav"`)
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) handleSave(c *gin.Context) {
	rec, err := s.service.Save(c.Request.Context())
	if err != nil {
		s.sendErrorResponse(c, statusFor(err), err.Error(), "operation", "save")
		return
	}
	c.JSON(http.StatusCreated, SaveResponse{Success: true, Recording: rec})
}

func (s *Server) handleListRecordings(c *gin.Context) {
	id := c.Param("id")
	recs, err := s.service.ListRecordings(c.Request.Context(), id)
	if err != nil {
		s.sendErrorResponse(c, statusFor(err), err.Error(), "question_id", id, "operation", "list_recordings")
		return
	}
	if recs == nil {
		recs = []store.Recording{}
	}
	c.JSON(http.StatusOK, RecordingsResponse{QuestionID: id, Recordings: recs, Count: len(recs)})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNoQuestion):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, capture.ErrEmptyCapture):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNoArtifact), errors.Is(err, service.ErrUploadInProgress):
		return http.StatusConflict
	case errors.Is(err, service.ErrUploadFailed), errors.Is(err, service.ErrMetadataWrite):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrSavingDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) generateStatusMessage(st service.Status) string {
	switch st.Status {
	case capture.StatusCapturing:
		if st.TimeLimitSeconds > 0 {
			return fmt.Sprintf("Recording - %ds remaining", st.RemainingSeconds)
		}
		return "Recording in progress"
	case capture.StatusStopping:
		return "Finishing recording"
	case capture.StatusReady:
		if st.Uploading {
			return "Uploading recording"
		}
		return "Recording ready - review or save"
	case capture.StatusFailed:
		if st.LastError != "" {
			return st.LastError
		}
		return "No audio captured"
	default:
		if st.QuestionID == "" {
			return "Select a question to begin"
		}
		return st.LastError
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(c *gin.Context, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	c.AbortWithStatusJSON(statusCode, GenericResponse{
		Success: false,
		Error:   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

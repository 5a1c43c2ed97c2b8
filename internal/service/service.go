package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/speakcapture/speakcapture/internal/audio"
	"github.com/speakcapture/speakcapture/internal/capture"
	"github.com/speakcapture/speakcapture/internal/config"
	"github.com/speakcapture/speakcapture/internal/events"
	"github.com/speakcapture/speakcapture/internal/storage"
	"github.com/speakcapture/speakcapture/internal/store"
)

var (
	ErrNoQuestion       = errors.New("no question selected")
	ErrNoArtifact       = errors.New("no finished recording to save")
	ErrUploadInProgress = errors.New("upload already in progress")
	ErrUploadFailed     = errors.New("upload failed")
	ErrMetadataWrite    = errors.New("failed to store recording metadata")
	ErrSavingDisabled   = errors.New("metadata store not configured")
)

// Service represents the speaking-practice host
type Service interface {
	// Question selection
	SelectQuestion(questionID string) error

	// Recording operations
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) (capture.Snapshot, error)
	Record(ctx context.Context, stop <-chan struct{}) (capture.Snapshot, error)
	Reset()
	Status() Status
	Artifact() ([]byte, string, bool)

	// Persistence
	Save(ctx context.Context) (*store.Recording, error)
	SaveFile(ctx context.Context, questionID string, wav []byte) (*store.Recording, error)
	ListRecordings(ctx context.Context, questionID string) ([]store.Recording, error)

	// Pipeline operations
	RunPipeline(ctx context.Context, questionID, steps string, stop <-chan struct{}) error

	GetConfig() *config.Config
	GetLastError() string
	Close()
}

// Status is the session state as seen by callers.
type Status struct {
	capture.Snapshot
	QuestionID       string `json:"question_id,omitempty"`
	TimeLimitSeconds int    `json:"time_limit_seconds"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
	Uploading        bool   `json:"uploading"`
	LastError        string `json:"last_error,omitempty"`
	Device           string `json:"device"`
}

// Metrics receives capture and upload events.
type Metrics interface {
	capture.Observer
	UploadFinished(outcome string)
}

// Transcoder converts a finished WAV before upload.
type Transcoder interface {
	Transcode(ctx context.Context, wav []byte) ([]byte, string, error)
}

// Player plays back an in-memory recording.
type Player interface {
	PlayBytes(ctx context.Context, data []byte, ext string) error
}

// Deps are the collaborators of the service. Device and Objects are
// required; the rest may be nil.
type Deps struct {
	Device     audio.Device
	Objects    storage.ObjectStore
	Recordings store.RecordingStore
	Events     events.Publisher
	Metrics    Metrics
	Transcoder Transcoder
	Player     Player
}

// SpeakService is the main service implementation
type SpeakService struct {
	cfg  *config.Config
	deps Deps
	ctrl *capture.Controller

	mu         sync.Mutex
	questionID string
	uploading  bool
	limitHit   chan struct{}
	limitOnce  *sync.Once

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new service instance
func New(cfg *config.Config, deps Deps) Service {
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}

	s := &SpeakService{cfg: cfg, deps: deps}
	opts := capture.OptionsFromConfig(cfg)
	opts.OnTick = s.onTick
	opts.Observer = deps.Metrics
	s.ctrl = capture.NewController(deps.Device, opts)
	return s
}

// SelectQuestion makes questionID active and discards any session.
func (s *SpeakService) SelectQuestion(questionID string) error {
	questionID = strings.TrimSpace(questionID)
	if questionID == "" {
		return ErrNoQuestion
	}

	s.ctrl.Reset()

	s.mu.Lock()
	s.questionID = questionID
	s.mu.Unlock()

	s.clearLastError()
	slog.Debug("Question selected", "question_id", questionID)
	return nil
}

// StartRecording begins a capture for the selected question.
func (s *SpeakService) StartRecording(ctx context.Context) error {
	s.mu.Lock()
	questionID := s.questionID
	s.limitHit = make(chan struct{})
	s.limitOnce = &sync.Once{}
	s.mu.Unlock()

	if questionID == "" {
		return ErrNoQuestion
	}

	s.clearLastError()
	if err := s.ctrl.Start(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return err
	}
	slog.Info("Recording started", "question_id", questionID, "time_limit_seconds", s.cfg.Capture.TimeLimitSeconds)
	return nil
}

// StopRecording stops an active capture and waits for the artifact. Outside
// Capturing and Stopping it does nothing and returns the current snapshot.
func (s *SpeakService) StopRecording(ctx context.Context) (capture.Snapshot, error) {
	if !s.ctrl.Stop() {
		if snap := s.ctrl.Snapshot(); snap.Status != capture.StatusStopping {
			return snap, nil
		}
	}
	return s.stopped(s.ctrl.Wait(ctx))
}

// stopped records the outcome of a finished capture.
func (s *SpeakService) stopped(snap capture.Snapshot, err error) (capture.Snapshot, error) {
	if err != nil {
		if errors.Is(err, capture.ErrEmptyCapture) {
			s.setLastError("No audio captured, please try again")
		} else {
			s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		}
		return snap, err
	}
	return snap, nil
}

// Record captures until stop is closed, the time limit is reached or ctx
// ends, then waits for the artifact.
func (s *SpeakService) Record(ctx context.Context, stop <-chan struct{}) (capture.Snapshot, error) {
	if err := s.StartRecording(ctx); err != nil {
		return capture.Snapshot{}, err
	}

	s.mu.Lock()
	limitHit := s.limitHit
	s.mu.Unlock()

	select {
	case <-stop:
	case <-limitHit:
		slog.Info("Time limit reached")
	case <-ctx.Done():
	}

	// The time limit may already have resolved this session, so its outcome
	// is reported even when there is nothing left to stop.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Capture.FlushTimeout+time.Second)
	defer cancel()
	return s.stopped(s.ctrl.StopAndWait(waitCtx))
}

// onTick auto-stops the session once the configured limit is reached.
func (s *SpeakService) onTick(elapsed int) {
	limit := s.cfg.Capture.TimeLimitSeconds
	if limit <= 0 || elapsed < limit {
		return
	}
	if s.ctrl.Stop() {
		slog.Debug("Auto-stopped at time limit", "elapsed_seconds", elapsed)
	}

	s.mu.Lock()
	hit, once := s.limitHit, s.limitOnce
	s.mu.Unlock()
	if once != nil {
		once.Do(func() { close(hit) })
	}
}

func (s *SpeakService) Reset() {
	s.ctrl.Reset()
	s.clearLastError()
}

func (s *SpeakService) Status() Status {
	s.mu.Lock()
	st := Status{
		QuestionID: s.questionID,
		Uploading:  s.uploading,
	}
	s.mu.Unlock()

	st.Snapshot = s.ctrl.Snapshot()
	st.TimeLimitSeconds = s.cfg.Capture.TimeLimitSeconds
	if st.TimeLimitSeconds > 0 && st.Status == capture.StatusCapturing {
		st.RemainingSeconds = max(0, st.TimeLimitSeconds-st.ElapsedSeconds)
	}
	st.LastError = s.GetLastError()
	st.Device = s.deps.Device.Name()
	return st
}

// Artifact returns the current recording and its content type.
func (s *SpeakService) Artifact() ([]byte, string, bool) {
	data, ok := s.ctrl.Artifact()
	if !ok {
		return nil, "", false
	}
	return data, s.ctrl.Snapshot().ContentType, true
}

// Save uploads the finished recording and records its metadata. On failure
// the recording is kept so the caller can retry without re-recording.
func (s *SpeakService) Save(ctx context.Context) (*store.Recording, error) {
	if s.deps.Recordings == nil {
		return nil, ErrSavingDisabled
	}

	s.mu.Lock()
	if s.uploading {
		s.mu.Unlock()
		return nil, ErrUploadInProgress
	}
	questionID := s.questionID
	snap := s.ctrl.Snapshot()
	data, ok := s.ctrl.Artifact()
	if snap.Status != capture.StatusReady || !ok {
		s.mu.Unlock()
		return nil, ErrNoArtifact
	}
	s.uploading = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.uploading = false
		s.mu.Unlock()
	}()

	rec, err := s.upload(ctx, questionID, snap.ContentType, snap.ElapsedSeconds, data)
	if err != nil {
		s.setLastError(err.Error())
		return nil, err
	}
	s.publishSaved(ctx, rec)

	// Only discard the session that was saved.
	if cur := s.ctrl.Snapshot(); cur.Status == capture.StatusReady && cur.StartedAt.Equal(snap.StartedAt) {
		s.ctrl.Reset()
	}
	s.clearLastError()
	return rec, nil
}

// SaveFile uploads a WAV recorded earlier, such as one kept on disk after
// a failed save. The live session is not touched.
func (s *SpeakService) SaveFile(ctx context.Context, questionID string, wav []byte) (*store.Recording, error) {
	if s.deps.Recordings == nil {
		return nil, ErrSavingDisabled
	}
	questionID = strings.TrimSpace(questionID)
	if questionID == "" {
		return nil, ErrNoQuestion
	}
	if !bytes.HasPrefix(wav, []byte("RIFF")) || audio.WAVDuration(wav) <= 0 {
		return nil, fmt.Errorf("%w: not a WAV recording", ErrNoArtifact)
	}

	rec, err := s.upload(ctx, questionID, "audio/wav", 0, bytes.Clone(wav))
	if err != nil {
		s.setLastError(err.Error())
		return nil, err
	}
	s.publishSaved(ctx, rec)
	return rec, nil
}

func (s *SpeakService) publishSaved(ctx context.Context, rec *store.Recording) {
	if err := s.deps.Events.PublishRecordingSaved(ctx, events.RecordingSaved{
		ID:              rec.ID.String(),
		QuestionID:      rec.QuestionID,
		AudioURL:        rec.AudioURL,
		DurationSeconds: rec.DurationSeconds,
		CreatedAt:       rec.CreatedAt,
	}); err != nil {
		slog.Warn("Failed to publish recording event", "id", rec.ID, "error", err)
	}
}

func (s *SpeakService) upload(ctx context.Context, questionID, contentType string, elapsed int, data []byte) (*store.Recording, error) {
	ext := "wav"
	var duration float64
	if contentType == "audio/wav" {
		if err := audio.FinalizeWAV(data); err != nil {
			slog.Warn("Recording has no WAV header", "error", err)
		}
		duration = audio.WAVDuration(data).Seconds()
	} else {
		duration = float64(elapsed)
	}

	if s.deps.Transcoder != nil && s.cfg.Storage.TranscodeFormat != "" {
		out, ct, err := s.deps.Transcoder.Transcode(ctx, data)
		if err != nil {
			slog.Warn("Transcoding failed, uploading WAV", "format", s.cfg.Storage.TranscodeFormat, "error", err)
		} else {
			data, contentType, ext = out, ct, s.cfg.Storage.TranscodeFormat
		}
	}

	id := uuid.New()
	key := storage.ObjectKey(s.cfg.Storage.Prefix, questionID, id.String(), ext)

	url, err := s.deps.Objects.Put(ctx, key, contentType, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		s.deps.Metrics.UploadFinished("upload_failed")
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	rec := &store.Recording{
		ID:              id,
		QuestionID:      questionID,
		AudioURL:        url,
		ObjectKey:       key,
		ContentType:     contentType,
		DurationSeconds: duration,
		SizeBytes:       int64(len(data)),
	}
	if err := s.deps.Recordings.CreateRecording(ctx, rec); err != nil {
		s.deps.Metrics.UploadFinished("metadata_failed")
		return nil, fmt.Errorf("%w: %v", ErrMetadataWrite, err)
	}

	s.deps.Metrics.UploadFinished("ok")
	slog.Info("Recording saved", "id", rec.ID, "question_id", questionID, "url", url,
		"size", formatBytes(rec.SizeBytes), "duration_seconds", duration)
	return rec, nil
}

func (s *SpeakService) ListRecordings(ctx context.Context, questionID string) ([]store.Recording, error) {
	if s.deps.Recordings == nil {
		return nil, ErrSavingDisabled
	}
	recs, err := s.deps.Recordings.ListRecordings(ctx, questionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	return recs, nil
}

// RunPipeline executes a sequence of operations (r=record, p=play, s=save)
func (s *SpeakService) RunPipeline(ctx context.Context, questionID, steps string, stop <-chan struct{}) error {
	if err := s.SelectQuestion(questionID); err != nil {
		return err
	}

	for _, step := range steps {
		switch step {
		case 'r':
			if _, err := s.Record(ctx, stop); err != nil {
				return fmt.Errorf("pipeline record failed: %w", err)
			}
		case 'p':
			if err := s.play(ctx); err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
		case 's':
			if _, err := s.Save(ctx); err != nil {
				return fmt.Errorf("pipeline save failed: %w", err)
			}
		default:
			return fmt.Errorf("unknown pipeline step: '%c' (valid: r=record, p=play, s=save)", step)
		}
	}
	return nil
}

func (s *SpeakService) play(ctx context.Context) error {
	if s.deps.Player == nil {
		return errors.New("playback not available")
	}
	data, contentType, ok := s.Artifact()
	if !ok {
		return ErrNoArtifact
	}
	if contentType == "audio/wav" {
		if err := audio.FinalizeWAV(data); err != nil {
			return err
		}
	}
	return s.deps.Player.PlayBytes(ctx, data, "wav")
}

// GetConfig returns the current configuration
func (s *SpeakService) GetConfig() *config.Config {
	return s.cfg
}

// Close releases the device and the event connection.
func (s *SpeakService) Close() {
	s.ctrl.Reset()
	s.deps.Events.Close()
}

func (s *SpeakService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *SpeakService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	// Log all errors for debugging and monitoring
	slog.Error("Service error occurred", "error_message", err)
}

func (s *SpeakService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

type nopMetrics struct{}

func (nopMetrics) CaptureStarted()                               {}
func (nopMetrics) CaptureFinished(capture.Status, time.Duration) {}
func (nopMetrics) ReleaseFailed(string)                          {}
func (nopMetrics) UploadFinished(string)                         {}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/speakcapture/speakcapture/internal/audio"
	"github.com/speakcapture/speakcapture/internal/events"
	"github.com/speakcapture/speakcapture/internal/metrics"
	"github.com/speakcapture/speakcapture/internal/play"
	"github.com/speakcapture/speakcapture/internal/service"
	"github.com/speakcapture/speakcapture/internal/storage"
	"github.com/speakcapture/speakcapture/internal/store"
	"github.com/speakcapture/speakcapture/internal/transcode"
)

// app holds a wired service and what must be closed after it.
type app struct {
	svc     service.Service
	metrics *metrics.Metrics
	repo    *store.GormRecordingRepository
	closers []func()
}

func (r *app) Close() {
	r.svc.Close()
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// newApp builds the service from the loaded config. The database is only
// connected when withDB is set, so recording works without PostgreSQL.
func newApp(ctx context.Context, withDB bool) (*app, error) {
	rt := &app{metrics: metrics.New()}

	objects, err := storage.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}

	deps := service.Deps{
		Device:  audio.NewDevice(cfg),
		Objects: objects,
		Metrics: rt.metrics,
		Player:  play.New(),
	}

	if withDB {
		db, err := store.NewDB(ctx, cfg.Database, verboseLevel >= 1)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		})
		rt.repo = store.NewGormRecordingRepository(db)
		deps.Recordings = rt.repo
	}

	if format := cfg.Storage.TranscodeFormat; format != "" && format != "wav" {
		if transcode.Available() {
			deps.Transcoder = transcode.New(format, 0)
		} else {
			slog.Warn("ffmpeg not found, recordings will be uploaded as WAV", "transcode_format", format)
		}
	}

	pub, err := events.New(cfg.Events)
	if err != nil {
		// Saving still works without notifications.
		slog.Warn("Event publishing disabled", "broker", cfg.Events.Broker, "error", err)
		pub = events.Noop{}
	}
	deps.Events = pub

	rt.svc = service.New(cfg, deps)
	slog.Debug("Service ready",
		"device", deps.Device.Name(),
		"storage", objects.Name(),
		"database", withDB,
		"events", cfg.Events.Broker != "")
	return rt, nil
}

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/speakcapture/speakcapture/internal/config"
)

// dryRunDB builds SQL against the postgres dialect without a server.
func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  "host=localhost user=test dbname=test sslmode=disable",
		PreferSimpleProtocol: true,
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)
	return db
}

func TestRecording_BeforeCreateFillsIDAndTimestamp(t *testing.T) {
	rec := &Recording{QuestionID: "q1", AudioURL: "file:///x.wav"}
	require.NoError(t, rec.BeforeCreate(nil))
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.WithinDuration(t, time.Now(), rec.CreatedAt, time.Minute)

	id := uuid.New()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	kept := &Recording{ID: id, CreatedAt: at}
	require.NoError(t, kept.BeforeCreate(nil))
	assert.Equal(t, id, kept.ID)
	assert.Equal(t, at, kept.CreatedAt)
}

func TestRecording_TableName(t *testing.T) {
	assert.Equal(t, "recordings", Recording{}.TableName())
}

type capturedSQL struct {
	sql  string
	vars []interface{}
}

// captureSQL records every statement built for creates and queries on db.
func captureSQL(t *testing.T, db *gorm.DB) *[]capturedSQL {
	t.Helper()
	var got []capturedSQL
	record := func(tx *gorm.DB) {
		got = append(got, capturedSQL{sql: tx.Statement.SQL.String(), vars: tx.Statement.Vars})
	}
	require.NoError(t, db.Callback().Create().After("gorm:create").Register("test:capture_create", record))
	require.NoError(t, db.Callback().Query().After("gorm:query").Register("test:capture_query", record))
	return &got
}

func TestRepository_CreateRecording(t *testing.T) {
	db := dryRunDB(t)
	got := captureSQL(t, db)
	repo := NewGormRecordingRepository(db)

	rec := &Recording{QuestionID: "q1", AudioURL: "https://cdn/x.wav", DurationSeconds: 12.5}
	require.NoError(t, repo.CreateRecording(context.Background(), rec))
	assert.NotEqual(t, uuid.Nil, rec.ID, "hook ran")

	require.Len(t, *got, 1)
	stmt := (*got)[0]
	assert.Contains(t, stmt.sql, `INSERT INTO "recordings"`)
	assert.Contains(t, stmt.sql, `"question_id"`)
	assert.Contains(t, stmt.vars, "q1")
	assert.Contains(t, stmt.vars, rec.ID)
}

func TestRepository_ListRecordingsFiltersAndOrders(t *testing.T) {
	db := dryRunDB(t)
	got := captureSQL(t, db)
	repo := NewGormRecordingRepository(db)

	recs, err := repo.ListRecordings(context.Background(), "q42")
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.Len(t, *got, 1)
	stmt := (*got)[0]
	assert.Contains(t, stmt.sql, `FROM "recordings"`)
	assert.Contains(t, stmt.sql, "WHERE question_id = $1")
	assert.Contains(t, stmt.sql, "ORDER BY created_at DESC")
	assert.Equal(t, []interface{}{"q42"}, stmt.vars)
}

// TestRepository_Postgres runs against a real server when
// SPEAKCAPTURE_TEST_DSN is set.
func TestRepository_Postgres(t *testing.T) {
	dsn := os.Getenv("SPEAKCAPTURE_TEST_DSN")
	if dsn == "" {
		t.Skip("SPEAKCAPTURE_TEST_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	repo := NewGormRecordingRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Ping(ctx))
	require.NoError(t, repo.Migrate(ctx))

	question := "test-" + uuid.NewString()
	t.Cleanup(func() { db.Where("question_id = ?", question).Delete(&Recording{}) })

	older := &Recording{QuestionID: question, AudioURL: "a", CreatedAt: time.Now().Add(-time.Hour)}
	newer := &Recording{QuestionID: question, AudioURL: "b"}
	require.NoError(t, repo.CreateRecording(ctx, older))
	require.NoError(t, repo.CreateRecording(ctx, newer))
	require.NoError(t, repo.CreateRecording(ctx, &Recording{QuestionID: question + "-other", AudioURL: "c"}))
	t.Cleanup(func() { db.Where("question_id = ?", question+"-other").Delete(&Recording{}) })

	recs, err := repo.ListRecordings(ctx, question)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, newer.ID, recs[0].ID)
	assert.Equal(t, older.ID, recs[1].ID)
}

func TestNewDB_CancelledContextStopsRetrying(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a closed port")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cfg := config.DatabaseConfig{Host: "127.0.0.1", Port: "1", User: "test", Name: "test", SSLMode: "disable"}
	start := time.Now()
	_, err := NewDB(ctx, cfg, false)
	require.Error(t, err)
	assert.Less(t, time.Since(start), connectDelay, "did not wait out the retry delay")
}

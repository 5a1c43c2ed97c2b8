package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speakcapture/speakcapture/internal/config"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "recordings/q1/abc.wav", ObjectKey("/recordings/", "q1", "abc", ".wav"))
	assert.Equal(t, "q1/abc.mp3", ObjectKey("", "q1", "abc", "mp3"))
	assert.Equal(t, "q1/abc", ObjectKey("", "q1", "abc", ""))
}

func TestLocalStore_Put(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir, "")

	ref, err := s.Put(context.Background(), "recordings/q1/a.wav", "audio/wav", strings.NewReader("RIFFdata"), 8)
	require.NoError(t, err)

	want := filepath.Join(dir, "recordings", "q1", "a.wav")
	assert.Equal(t, "file://"+filepath.ToSlash(want), ref)

	got, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "RIFFdata", string(got))

	entries, err := os.ReadDir(filepath.Dir(want))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLocalStore_PublicURL(t *testing.T) {
	s := NewLocalStore(t.TempDir(), "https://cdn.example.com/audio/")
	ref, err := s.Put(context.Background(), "q1/a.wav", "audio/wav", strings.NewReader("x"), -1)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/audio/q1/a.wav", ref)
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	s := NewLocalStore(t.TempDir(), "")
	for _, key := range []string{"", "../outside.wav", "a/../../outside.wav", "."} {
		_, err := s.Put(context.Background(), key, "audio/wav", strings.NewReader("x"), 1)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestLocalStore_ShortWriteFails(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir, "")
	_, err := s.Put(context.Background(), "a.wav", "audio/wav", strings.NewReader("abc"), 10)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "a.wav"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestLocalStore_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocalStore(t.TempDir(), "").Put(ctx, "a.wav", "audio/wav", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeUploader struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeUploader) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &manager.UploadOutput{Location: "https://bucket.s3.amazonaws.com/" + aws.ToString(in.Key)}, nil
}

func TestS3Store_Put(t *testing.T) {
	up := &fakeUploader{}
	s := &S3Store{Bucket: "practice", uploader: up}

	ref, err := s.Put(context.Background(), "recordings/q1/a.wav", "audio/wav", bytes.NewReader([]byte("RIFF")), 4)
	require.NoError(t, err)
	assert.Equal(t, "https://bucket.s3.amazonaws.com/recordings/q1/a.wav", ref)
	assert.Equal(t, "practice", aws.ToString(up.input.Bucket))
	assert.Equal(t, "audio/wav", aws.ToString(up.input.ContentType))
	assert.Equal(t, int64(4), aws.ToInt64(up.input.ContentLength))
	assert.Equal(t, "RIFF", string(up.body))

	s.PublicBaseURL = "https://cdn.example.com"
	ref, err = s.Put(context.Background(), "k.wav", "audio/wav", bytes.NewReader(nil), -1)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/k.wav", ref)
	assert.Nil(t, up.input.ContentLength)
}

func TestS3Store_PutError(t *testing.T) {
	boom := errors.New("access denied")
	s := &S3Store{Bucket: "practice", uploader: &fakeUploader{err: boom}}
	_, err := s.Put(context.Background(), "k.wav", "audio/wav", bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, boom)
}

func TestNewS3Store_RequiresBucketAndRegion(t *testing.T) {
	_, err := NewS3Store(context.Background(), config.StorageConfig{Region: "eu-west-1"})
	assert.Error(t, err)
}

func TestNew_SelectsBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Directory = t.TempDir()

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "local", s.Name())

	cfg.Storage.Backend = "ftp"
	_, err = New(context.Background(), cfg)
	assert.Error(t, err)
}

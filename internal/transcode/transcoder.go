package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// contentTypes maps supported target formats to MIME types.
var contentTypes = map[string]string{
	"wav":  "audio/wav",
	"mp3":  "audio/mpeg",
	"flac": "audio/flac",
	"ogg":  "audio/ogg",
	"m4a":  "audio/mp4",
	"webm": "audio/webm",
}

// ContentType returns the MIME type for format, or "" if unsupported.
func ContentType(format string) string {
	return contentTypes[strings.ToLower(format)]
}

// Transcoder converts recordings with ffmpeg.
type Transcoder struct {
	Format     string
	SampleRate int
}

func New(format string, sampleRate int) *Transcoder {
	return &Transcoder{Format: strings.ToLower(format), SampleRate: sampleRate}
}

// Available reports whether ffmpeg is on PATH.
func Available() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// Transcode converts a WAV recording to the target format and returns the
// converted bytes with their content type.
func (t *Transcoder) Transcode(ctx context.Context, wav []byte) ([]byte, string, error) {
	ct := ContentType(t.Format)
	if ct == "" {
		return nil, "", fmt.Errorf("unsupported transcode format: %s", t.Format)
	}

	dir, err := os.MkdirTemp("", "speakcapture-transcode-")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(dir)

	inputFile := filepath.Join(dir, "input.wav")
	outputFile := filepath.Join(dir, "output."+t.Format)
	if err := os.WriteFile(inputFile, wav, 0o600); err != nil {
		return nil, "", fmt.Errorf("failed to write input: %w", err)
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", t.args(inputFile, outputFile)...)
	slog.Debug("Running FFmpeg for transcoding", "command", strings.Join(cmd.Args, " "))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, "", fmt.Errorf("FFmpeg transcoding failed: %w\nOutput: %s", err, string(output))
	}

	out, err := os.ReadFile(outputFile)
	if err != nil {
		return nil, "", fmt.Errorf("output file not created: %w", err)
	}

	slog.Info("Transcoded recording", "format", t.Format, "in_bytes", len(wav), "out_bytes", len(out))
	return out, ct, nil
}

func (t *Transcoder) args(inputFile, outputFile string) []string {
	logLevel := "error"
	if v := os.Getenv("FFMPEG_LOGLEVEL"); v != "" {
		logLevel = v
	}
	args := []string{"-hide_banner", "-loglevel", logLevel, "-i", inputFile}
	switch t.Format {
	case "mp3":
		args = append(args, "-c:a", "libmp3lame", "-q:a", "4")
	case "ogg", "webm":
		args = append(args, "-c:a", "libopus", "-b:a", "64k")
	case "m4a":
		args = append(args, "-c:a", "aac", "-b:a", "96k")
	case "flac":
		args = append(args, "-c:a", "flac")
	}
	if t.SampleRate > 0 {
		args = append(args, "-ar", fmt.Sprintf("%d", t.SampleRate))
	}
	return append(args, "-y", outputFile)
}

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/speakcapture/speakcapture/internal/audio"
	"github.com/speakcapture/speakcapture/internal/service"

	"github.com/spf13/cobra"
)

var saveCmd = &cobra.Command{
	Use:   "save [file]",
	Short: "Upload a WAV recording kept on disk",
	Long: `Upload a WAV file and store its metadata for a question. Recordings
whose save failed during record or run are kept under the unsaved directory
and can be retried with this command.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		questionID, _ := cmd.Flags().GetString("question")
		keep, _ := cmd.Flags().GetBool("keep")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read recording: %w", err)
		}

		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.svc.SaveFile(cmd.Context(), questionID, data)
		if err != nil {
			return err
		}
		fmt.Printf("Saved %s (%s)\n", rec.ID, rec.AudioURL)

		if !keep {
			if err := os.Remove(args[0]); err != nil {
				slog.Warn("Failed to remove uploaded file", "path", args[0], "error", err)
			}
		}
		return nil
	},
}

func init() {
	saveCmd.Flags().StringP("question", "q", "", "question the recording answers")
	saveCmd.Flags().Bool("keep", false, "keep the file after a successful upload")
	saveCmd.MarkFlagRequired("question")
}

func unsavedDir() string {
	if cfg != nil && cfg.Storage.Directory != "" {
		return filepath.Join(cfg.Storage.Directory, "unsaved")
	}
	return filepath.Join(os.TempDir(), "speakcapture-unsaved")
}

// keepUnsaved writes the finished recording of svc to dir so a failed save
// can be retried with the save command. It returns the file path.
func keepUnsaved(svc service.Service, dir, questionID string, now time.Time) (string, error) {
	data, contentType, ok := svc.Artifact()
	if !ok {
		return "", service.ErrNoArtifact
	}
	if contentType != "audio/wav" {
		return "", fmt.Errorf("cannot keep %s recording", contentType)
	}
	if err := audio.FinalizeWAV(data); err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.wav", questionID, now.Format("20060102-150405")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write recording: %w", err)
	}
	return path, nil
}

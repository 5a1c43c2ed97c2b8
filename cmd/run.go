package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/speakcapture/speakcapture/internal/service"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [question-id]",
	Short: "Execute pipeline steps for a question",
	Long: `Execute the specified pipeline steps for a question. Use -p to specify which steps to run:
r records until Enter, Ctrl+C or the time limit, p plays the recording back
and s uploads it and stores its metadata.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if pipeline == "" {
			return fmt.Errorf("no pipeline specified, use -p flag (e.g., -p rps)")
		}
		return runSteps(cmd.Context(), args[0], strings.ToLower(pipeline))
	},
}

// runSteps wires a service and runs steps for questionID.
func runSteps(ctx context.Context, questionID, steps string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, strings.ContainsRune(steps, 's'))
	if err != nil {
		return err
	}
	defer a.Close()

	var stop <-chan struct{}
	if strings.ContainsRune(steps, 'r') {
		limit := cfg.Capture.TimeLimitSeconds
		if limit > 0 {
			fmt.Printf("Question %s: recording for up to %ds - press Enter or Ctrl+C to stop\n", questionID, limit)
		} else {
			fmt.Printf("Question %s: recording - press Enter or Ctrl+C to stop\n", questionID)
		}
		stop = stopSignal()

		done := make(chan struct{})
		defer close(done)
		go showProgress(a.svc, done)
	}

	fmt.Printf("Pipeline: executing steps '%s'...\n", steps)
	if err := a.svc.RunPipeline(ctx, questionID, steps, stop); err != nil {
		if errors.Is(err, service.ErrUploadFailed) || errors.Is(err, service.ErrMetadataWrite) {
			if path, kerr := keepUnsaved(a.svc, unsavedDir(), questionID, time.Now()); kerr != nil {
				slog.Error("Recording could not be kept", "error", kerr)
			} else {
				fmt.Printf("Recording kept at %s\nRetry with: speakcapture save %s -q %s\n", path, path, questionID)
			}
		}
		return err
	}
	fmt.Println("Pipeline: completed")
	return nil
}

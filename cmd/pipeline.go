package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/speakcapture/speakcapture/internal/capture"
	"github.com/speakcapture/speakcapture/internal/service"
)

const validStepsHelp = "r=record, p=play, s=save"

// pipelineAfter returns the steps that follow startStep in the -p pipeline.
func pipelineAfter(startStep rune) (string, error) {
	if pipeline == "" {
		return "", nil
	}

	steps := strings.ToLower(pipeline)
	i := strings.IndexRune(steps, startStep)
	if i == -1 {
		return "", fmt.Errorf("step '%c' not found in pipeline '%s'", startStep, pipeline)
	}
	return steps[i+1:], nil
}

func validatePipeline() error {
	if pipeline == "" {
		return nil
	}

	validSteps := map[rune]bool{
		'r': true, // record
		'p': true, // play
		's': true, // save
	}

	for _, step := range strings.ToLower(pipeline) {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (valid: %s)", step, validStepsHelp)
		}
	}

	return nil
}

// stopSignal returns a channel closed on the first Enter or Ctrl+C. After
// that a second Ctrl+C terminates the process as usual.
func stopSignal() <-chan struct{} {
	stop := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	enter := make(chan struct{})
	go func() {
		bufio.NewScanner(os.Stdin).Scan()
		close(enter)
	}()

	go func() {
		select {
		case <-sigChan:
		case <-enter:
		}
		signal.Stop(sigChan)
		close(stop)
	}()
	return stop
}

// showProgress prints elapsed time and input level while a capture runs.
func showProgress(svc service.Service, done <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	seen := false
	for {
		select {
		case <-done:
			fmt.Fprint(os.Stderr, "\r\033[K")
			return
		case <-ticker.C:
			st := svc.Status()
			if st.Status != capture.StatusCapturing {
				if seen {
					fmt.Fprint(os.Stderr, "\r\033[K")
					return
				}
				continue
			}
			seen = true
			fmt.Fprintf(os.Stderr, "\r\033[K● %s %s", formatClock(st), levelBar(st.Amplitude, 20))
		}
	}
}

func formatClock(st service.Status) string {
	elapsed := fmt.Sprintf("%02d:%02d", st.ElapsedSeconds/60, st.ElapsedSeconds%60)
	if st.TimeLimitSeconds <= 0 {
		return elapsed
	}
	return fmt.Sprintf("%s / %02d:%02d", elapsed, st.TimeLimitSeconds/60, st.TimeLimitSeconds%60)
}

func levelBar(level float64, width int) string {
	n := int(level*float64(width) + 0.5)
	n = max(0, min(width, n))
	return "[" + strings.Repeat("#", n) + strings.Repeat(" ", width-n) + "]"
}

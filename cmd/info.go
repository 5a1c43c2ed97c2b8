package cmd

import (
	"fmt"
	"path"
	"strings"

	"github.com/speakcapture/speakcapture/internal/config"
	"github.com/speakcapture/speakcapture/internal/storage"
	"github.com/speakcapture/speakcapture/internal/transcode"

	"github.com/spf13/cobra"
)

type infoRow struct {
	key   string
	value any
}

var infoCmd = &cobra.Command{
	Use:   "info [question-id]",
	Short: "Show resolved configuration and storage layout",
	Long: `Display the resolved configuration with inheritance indicators. Shows which values
are inherited from the default profile and which are profile-specific. With a question
id, also shows where its recordings are stored.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			ext := "wav"
			if f := cfg.Storage.TranscodeFormat; transcode.ContentType(f) != "" {
				ext = strings.ToLower(f)
			}
			key := storage.ObjectKey(cfg.Storage.Prefix, args[0], "<recording-id>", ext)

			fmt.Printf("=== STORAGE ===\n")
			fmt.Printf("backend: %s\n", cfg.Storage.Backend)
			fmt.Printf("object_key: %s\n", key)
			if cfg.Storage.Backend == "s3" {
				fmt.Printf("bucket: %s\n", cfg.Storage.Bucket)
			} else {
				fmt.Printf("path: %s\n", path.Join(cfg.Storage.Directory, key))
			}
			fmt.Println()
		}

		fmt.Printf("=== RESOLVED CONFIGURATION ===\n")
		printSection("Audio", []infoRow{
			{"audio.backend", cfg.Audio.Backend},
			{"audio.sample_rate", cfg.Audio.SampleRate},
			{"audio.channels", cfg.Audio.Channels},
			{"audio.frames_per_buffer", cfg.Audio.FramesPerBuffer},
			{"audio.echo_cancellation", config.Enabled(cfg.Audio.EchoCancellation)},
			{"audio.noise_suppression", config.Enabled(cfg.Audio.NoiseSuppression)},
			{"audio.auto_gain_control", config.Enabled(cfg.Audio.AutoGainControl)},
		})
		printSection("Capture", []infoRow{
			{"capture.time_limit_seconds", cfg.Capture.TimeLimitSeconds},
			{"capture.tick_interval", cfg.Capture.TickInterval},
			{"capture.sample_interval", cfg.Capture.SampleInterval},
			{"capture.chunk_interval", cfg.Capture.ChunkInterval},
			{"capture.flush_timeout", cfg.Capture.FlushTimeout},
		})
		printSection("Storage", []infoRow{
			{"storage.backend", cfg.Storage.Backend},
			{"storage.bucket", cfg.Storage.Bucket},
			{"storage.region", cfg.Storage.Region},
			{"storage.endpoint", cfg.Storage.Endpoint},
			{"storage.prefix", cfg.Storage.Prefix},
			{"storage.public_base_url", cfg.Storage.PublicBaseURL},
			{"storage.directory", cfg.Storage.Directory},
			{"storage.transcode_format", cfg.Storage.TranscodeFormat},
		})
		printSection("Database", []infoRow{
			{"database.host", cfg.Database.Host},
			{"database.port", cfg.Database.Port},
			{"database.name", cfg.Database.Name},
			{"database.sslmode", cfg.Database.SSLMode},
		})
		printSection("Events", []infoRow{
			{"events.broker", cfg.Events.Broker},
			{"events.topic", cfg.Events.Topic},
		})
		return nil
	},
}

func printSection(name string, rows []infoRow) {
	fmt.Printf("\n[%s]\n", name)
	for _, r := range rows {
		field := r.key[strings.IndexByte(r.key, '.')+1:]
		fmt.Printf("%s: %v %s\n", field, r.value, getInheritanceIndicator(cfg.Inheritance.Source(r.key)))
	}
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case config.Inherited:
		return "[inherited]"
	case config.ProfileSpecific:
		return "[profile-specific]"
	default:
		return "[built-in]"
	}
}

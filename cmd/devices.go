package cmd

import (
	"fmt"
	"runtime"

	"github.com/speakcapture/speakcapture/internal/audio"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"sources"},
	Short:   "List available audio input devices",
	Long:    `List the input devices of the configured backend and the backends available on this system.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Audio Input Devices (%s)\n", runtime.GOOS)
		fmt.Printf("═══════════════════════════════════════\n\n")

		backends := audio.GetAvailableBackends()
		fmt.Printf("Available backends: %v\n", backends)
		fmt.Printf("Configured backend: %s\n\n", cfg.Audio.Backend)

		device := audio.NewDevice(cfg)
		devices, err := device.List()
		if err != nil {
			return fmt.Errorf("failed to list %s devices: %w", device.Name(), err)
		}

		fmt.Printf("%s INPUT DEVICES (%d found):\n", device.Name(), len(devices))
		for i, d := range devices {
			marker := " "
			if d.Default {
				marker = "*"
			}
			fmt.Printf(" %s%d. %s (%d ch, %.0f Hz)\n", marker, i+1, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
		}
		fmt.Printf("\n* default input, used for recording\n")
		return nil
	},
}

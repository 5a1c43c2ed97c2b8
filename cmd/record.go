package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record [question-id]",
	Short: "Record an answer from the microphone",
	Long: `Record an answer to a question from the default input device.
Recording stops on Enter, Ctrl+C or when the question's time limit is reached.
Use --play to review the recording and --save to upload it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		questionID := args[0]
		slog.Info("Record command started", "question_id", questionID)

		playBack, _ := cmd.Flags().GetBool("play")
		save, _ := cmd.Flags().GetBool("save")

		steps := "r"
		if playBack {
			steps += "p"
		}
		if save {
			steps += "s"
		}

		// Continue with any steps after 'r' from -p
		rest, err := pipelineAfter('r')
		if err != nil {
			return err
		}
		steps += rest

		return runSteps(cmd.Context(), questionID, steps)
	},
}

func init() {
	recordCmd.Flags().Bool("play", false, "play the recording back after it stops")
	recordCmd.Flags().Bool("save", false, "upload the recording and store its metadata")
}

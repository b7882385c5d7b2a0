package cmd

import (
	"log"

	"github.com/Xelofan/geminicord/geminicord"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the GeminiCord bot",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := geminicord.New(cfg)
			if err != nil {
				log.Fatalf("error creating geminicord: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running geminicord: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}

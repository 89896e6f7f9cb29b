package cmd

import (
	"log"

	"github.com/arcward/refwarden/refwarden"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the RefWarden bot and backend API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		rw, err := refwarden.New(cfg)
		if err != nil {
			log.Fatalf("error creating refwarden: %s", err.Error())
		}

		if err = rw.Run(ctx); err != nil {
			log.Fatalf("error running refwarden: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

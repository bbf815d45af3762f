package cmd

import (
	"github.com/arcward/plugboard/plugboard"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the discord bot and the web dashboard",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			pb, err := plugboard.New(cfg)
			if err != nil {
				log.Fatalf("error creating plugboard: %s", err.Error())
			}

			if err = pb.Run(ctx); err != nil {
				log.Fatalf("error running plugboard: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}

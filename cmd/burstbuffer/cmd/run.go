package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the burst buffer daemon",
		RunE:  runBurstBuffer,
	}
	return cmd
}

func runBurstBuffer(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return burstbuffer.Run(config)
}

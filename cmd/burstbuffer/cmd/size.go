package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
)

func sizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "size <size>...",
		Short: "Parses burst buffer sizes such as 100G, 2048M or 4N",
		Args:  cobra.MinimumNArgs(1),
		RunE:  printSizes,
	}
	cmd.Flags().Bool("packed", false, "Also print the packed wire value of each size")
	return cmd
}

func printSizes(cmd *cobra.Command, args []string) error {
	packed, err := cmd.Flags().GetBool("packed")
	if err != nil {
		return err
	}
	for _, arg := range args {
		s := size.Parse(arg)
		line := fmt.Sprintf("%s\t%d %s\t%s", arg, s.Value, s.Unit, s)
		if packed {
			line += fmt.Sprintf("\t0x%08x", s.Pack())
		}
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), line); err != nil {
			return err
		}
	}
	return nil
}

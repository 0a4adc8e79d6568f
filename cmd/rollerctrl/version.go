package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/trnila/rollerctrl/protocol"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version:       %s\n", version)
			fmt.Fprintf(out, "Commit:        %s\n", commit)
			fmt.Fprintf(out, "Go version:    %s\n", runtime.Version())
			fmt.Fprintf(out, "Mask2 from fw: %s\n", protocol.Mask2Firmware)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")

	return cmd
}

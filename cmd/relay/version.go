package main

import (
	"fmt"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Print version, commit, and build information for the relay.`,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, version)
				return
			}

			label := color.New(color.Bold).SprintFunc()
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  %s    %s\n", label("Version:"), version)
			fmt.Fprintf(out, "  %s     %s\n", label("Commit:"), commit)
			fmt.Fprintf(out, "  %s      %s\n", label("Built:"), date)
			fmt.Fprintf(out, "  %s %s\n", label("Go version:"), runtime.Version())
			fmt.Fprintf(out, "  %s    %s/%s\n", label("OS/Arch:"), runtime.GOOS, runtime.GOARCH)
			fmt.Fprintln(out)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")

	return cmd
}

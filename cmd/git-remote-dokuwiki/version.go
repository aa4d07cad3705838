package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		version := "unknown"
		revision := ""
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.Main.Version != "" && info.Main.Version != "(devel)" {
				version = info.Main.Version
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					revision = setting.Value
				case "vcs.modified":
					if setting.Value == "true" {
						revision += "-dirty"
					}
				}
			}
		}
		if revision != "" {
			fmt.Printf("git-remote-dokuwiki %s (%s)\n", version, revision)
		} else {
			fmt.Printf("git-remote-dokuwiki %s\n", version)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

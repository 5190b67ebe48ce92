package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gingerologist/downmix-pipeline/element"
	"github.com/gingerologist/downmix-pipeline/ffmpeg"
)

var (
	// Version information, set during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// versionCmd prints the build and the decoders compiled in
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the downmix version, its build details and the codecs it can decode.",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "downmix %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		fmt.Fprintf(w, "Go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(w, "Codecs: %s, %s (with --ffmpeg)\n", strings.Join(element.DefaultRegistry().Names(), ", "), ffmpeg.CodecName)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lakeforge-runner",
		Short: "LakeForge pipeline runner",
		Long:  "Run the LakeForge pipeline runner daemon: submission RPC, six-phase executor, quality gate, crash recovery",
	}

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(lintCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/juniap-tecnots/contentflow/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "contentflow",
	Short: "Content approval workflows with SLA escalation",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "clustershare-peer",
	Short: "Cluster Transfer Protocol peer daemon",
	Long:  "Runs one peer of a cluster-share cluster: it serves blocks over CTP, pulls files other peers have shared, and exposes a local admin HTTP surface.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/xtfly/clustershare/common"
)

var shareCmd = &cobra.Command{
	Use:   "share <configfile> <path>",
	Short: "Share a local file with the cluster and exit",
	Args:  cobra.ExactArgs(2),
	RunE:  runShare,
}

func init() {
	rootCmd.AddCommand(shareCmd)
}

func runShare(cmd *cobra.Command, args []string) error {
	cfg, err := common.ParseConfig(args[0])
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	common.InitLog(cfg.Log)

	content, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[1], err)
	}

	eng, _, listenHandle, err := wirePeer(cfg)
	if err != nil {
		return err
	}
	defer listenHandle.Stop()

	// give the runtime's listener goroutine a moment to come up before
	// fanning out notifications to peers that might otherwise race it.
	time.Sleep(50 * time.Millisecond)

	filename := filepath.Base(args[1])
	if err := eng.Share(filename, content); err != nil {
		return fmt.Errorf("share %s: %w", filename, err)
	}
	common.LOG.Infof("shared %s (%d bytes)", filename, len(content))
	return nil
}

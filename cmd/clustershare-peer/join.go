package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/xtfly/clustershare/common"
	"github.com/xtfly/clustershare/controlclient"
	"github.com/xtfly/clustershare/ctp"
)

var joinCmd = &cobra.Command{
	Use:   "join <configfile>",
	Short: "Register this peer with the cluster's control server and exit",
	Args:  cobra.ExactArgs(1),
	RunE:  runJoin,
}

func init() {
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, err := common.ParseConfig(args[0])
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	cc := controlclient.New(cfg.Cluster.ControlServerURL)
	peerID, err := ctp.LoadOrCreateID(peerIDPath(cfg))
	if err != nil {
		return fmt.Errorf("load peer id: %w", err)
	}
	if err := cc.Join(cfg.Cluster.ID, peerID.String(), cfg.Net.IP, cfg.Net.CTPPort); err != nil {
		return fmt.Errorf("join cluster %s: %w", cfg.Cluster.ID, err)
	}
	common.LOG.Infof("joined cluster %s as %s", cfg.Cluster.ID, peerID)
	fmt.Println(peerID.String())
	return nil
}

package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xtfly/clustershare/blockstore"
	"github.com/xtfly/clustershare/common"
	"github.com/xtfly/clustershare/controlclient"
	"github.com/xtfly/clustershare/ctp"
	"github.com/xtfly/clustershare/manifest"
	"github.com/xtfly/clustershare/peertable"
	"github.com/xtfly/clustershare/syncengine"
)

var runCmd = &cobra.Command{
	Use:   "run <configfile>",
	Short: "Start the peer daemon",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeer,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runPeer(cmd *cobra.Command, args []string) error {
	cfg, err := common.ParseConfig(args[0])
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	common.InitLog(cfg.Log)

	eng, adm, listenHandle, err := wirePeer(cfg)
	if err != nil {
		return err
	}
	defer listenHandle.Stop()

	poll := eng.StartPolling()
	defer poll.Stop()

	if err := adm.Start(); err != nil {
		return fmt.Errorf("start admin http server: %w", err)
	}
	defer adm.Stop()

	common.LOG.Infof("clustershare-peer %s running, cluster %s", cfg.Name, cfg.Cluster.ID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	common.LOG.Infof("clustershare-peer %s shutting down", cfg.Name)
	return nil
}

// wirePeer assembles the full dependency graph a running peer needs: the
// on-disk stores, the peer table (seeded from the control server's peer
// list), the CTP runtime (bound to the engine via a HandlersBox to break
// the construction cycle), the sync engine, and the admin HTTP surface.
func wirePeer(cfg *common.Config) (*syncengine.Engine, *common.AdminService, *ctp.ListenHandle, error) {
	bs, err := blockstore.NewStore(cfg.SharedDir, cfg.Control.BlockSize)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open block store: %w", err)
	}
	mf, err := manifest.NewStore(cfg.SharedDir, cfg.Control.BlockSize)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open manifest store: %w", err)
	}
	peers := peertable.New()
	cc := controlclient.New(cfg.Cluster.ControlServerURL)

	clusterID, err := ctp.ParseID(cfg.Cluster.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse cluster id: %w", err)
	}
	peerID, err := ctp.LoadOrCreateID(peerIDPath(cfg))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load peer id: %w", err)
	}

	box := &syncengine.HandlersBox{}
	bindAddr := net.JoinHostPort(cfg.Net.IP, strconv.Itoa(cfg.Net.CTPPort))
	rt, err := ctp.NewRuntime(bindAddr, clusterID, peerID, box, cfg.Control.HandlerPoolSize)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("start ctp runtime: %w", err)
	}
	listenHandle := rt.Start()

	eng := syncengine.New(rt, bs, mf, peers, cc, cfg.Cluster.ID, cfg.Cluster.ControlServerCTP, syncengine.Config{
		AcquireConcurrency: cfg.Control.AcquireConcurrency,
		RequestTimeout:     time.Duration(cfg.Control.RequestTimeoutSec) * time.Second,
		RequestRetries:     cfg.Control.RequestRetries,
		PollInterval:       time.Duration(cfg.Control.PollIntervalSec) * time.Second,
	})
	box.Bind(eng)

	eng.RefreshPeers()

	adm := common.NewAdminService(cfg, eng)
	return eng, adm, listenHandle, nil
}

// peerIDPath is where this peer's identity is stamped on first run, so
// that join (which registers an ID with the control server) and run
// (which brings that same ID up on the wire) agree across invocations.
func peerIDPath(cfg *common.Config) string {
	return filepath.Join(cfg.SharedDir, ".peerid")
}

// Package syncengine drives convergence between a peer's local state (its
// manifest mirror, info-file cache, and block store) and the cluster's
// authoritative manifest: sharing new files, and pulling files other peers
// have shared, with per-peer failover and a control-server fallback for
// otherwise-unobtainable blocks.
package syncengine

import (
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/xtfly/clustershare/blockstore"
	"github.com/xtfly/clustershare/common"
	"github.com/xtfly/clustershare/controlclient"
	"github.com/xtfly/clustershare/ctp"
	"github.com/xtfly/clustershare/digest"
	"github.com/xtfly/clustershare/manifest"
	"github.com/xtfly/clustershare/peertable"
)

// Config bundles the engine's tunables, sourced from common.Control. The
// cluster-wide block size itself lives on the blockstore.Store the engine
// is handed, not here.
type Config struct {
	AcquireConcurrency int
	RequestTimeout     time.Duration
	RequestRetries     int
	PollInterval       time.Duration
}

// Engine ties together the runtime, the on-disk stores, the peer table and
// the control-server client into the convergence loop spec.md describes as
// share()/update().
type Engine struct {
	rt      *ctp.Runtime
	bs      *blockstore.Store
	mf      *manifest.Store
	peers   *peertable.Table
	cc      *controlclient.Client
	cfg     Config
	cluster string // control-server's cluster id, a string per its HTTP API

	controlServerCTPAddr string

	// updateMu serializes update cycles: two concurrent triggers (a
	// notification arriving mid-poll) must not race on the manifest.
	updateMu sync.Mutex
}

// New wires an Engine from its already-constructed dependencies. The
// caller owns starting/stopping rt separately; New does not call rt.Start.
// controlServerCTPAddr is the control server's UDP host:port — it answers
// NEW_CRINFO_NOTIF over CTP the same way a peer does.
func New(rt *ctp.Runtime, bs *blockstore.Store, mf *manifest.Store, peers *peertable.Table, cc *controlclient.Client, clusterID, controlServerCTPAddr string, cfg Config) *Engine {
	if cfg.AcquireConcurrency <= 0 {
		cfg.AcquireConcurrency = 8
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Engine{rt: rt, bs: bs, mf: mf, peers: peers, cc: cc, cluster: clusterID, controlServerCTPAddr: controlServerCTPAddr, cfg: cfg}
}

// Handlers returns the ctp.Handlers implementation backed by this engine,
// for passing to ctp.NewRuntime.
func (e *Engine) Handlers() ctp.Handlers { return (*engineHandlers)(e) }

// PollHandle lets a caller stop the background manifest-hash poll started
// by StartPolling.
type PollHandle struct {
	stop chan struct{}
	done chan struct{}
}

// Stop ends the poll loop and waits for it to exit.
func (h *PollHandle) Stop() {
	close(h.stop)
	<-h.done
}

// StartPolling spawns a background loop that calls Update whenever the
// control server's manifest hash has advanced past the local mirror's.
// It returns immediately with a handle to stop the loop later.
func (e *Engine) StartPolling() *PollHandle {
	h := &PollHandle{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(e.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				e.pollOnce()
			}
		}
	}()
	return h
}

func (e *Engine) pollOnce() {
	e.RefreshPeers()

	remoteHash, err := e.cc.ManifestHash(e.cluster)
	if err != nil {
		common.LOG.Warnf("syncengine: poll manifest hash: %v", err)
		return
	}
	localHash, err := e.mf.Hash()
	if err != nil {
		common.LOG.Warnf("syncengine: compute local manifest hash: %v", err)
		return
	}
	if remoteHash == digest.Hex(localHash) && !e.hasPendingFiles() {
		return
	}
	if err := e.Update(); err != nil {
		common.LOG.Warnf("syncengine: update after hash divergence: %v", err)
	}
}

// hasPendingFiles reports whether any manifest entry lacks a finalized
// local copy: a partial temp file left over from a prior cycle, or one
// reset to empty by a HashMismatch on finalize. A manifest-hash match
// alone doesn't mean convergence — per spec.md §4.6 step 3 and §4.6's
// failure model, such a file still needs a resuming update cycle even
// though the manifest itself hasn't changed.
func (e *Engine) hasPendingFiles() bool {
	entries, err := e.mf.Entries()
	if err != nil {
		return false
	}
	for _, f := range entries {
		if !e.bs.HasFinal(f) {
			return true
		}
	}
	return false
}

// RefreshPeers pulls the control server's authoritative peer list and
// merges it into the local table via Replace, per spec.md §3's invariant
// that GONE records are "evicted on next peer-list refresh". Exported so
// callers can seed the table once at startup in addition to the
// background poll invoking it every cycle.
func (e *Engine) RefreshPeers() {
	entries, err := e.cc.PeerList(e.cluster)
	if err != nil {
		common.LOG.Warnf("syncengine: refresh peer list: %v", err)
		return
	}
	incoming := make([]peertable.Peer, 0, len(entries))
	for _, pe := range entries {
		id, err := ctp.ParseID(pe.PeerID)
		if err != nil {
			continue
		}
		addr, err := resolveAddr(pe.IP, pe.Port)
		if err != nil {
			continue
		}
		incoming = append(incoming, peertable.Peer{ID: id, Addr: addr})
	}
	e.peers.Replace(incoming)
}

// randomOrder returns a permutation of peers, for load-spread block
// acquisition order.
func randomOrder(peers []peertable.Peer) []peertable.Peer {
	out := append([]peertable.Peer(nil), peers...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func resolveAddr(ip string, port int) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(ip, strconv.Itoa(port)))
}

// peerListToTable converts a decoded CLUSTER_JOIN_ACK/PEERLIST_PUSH payload
// into peertable.Peer values, skipping entries whose address fails to
// resolve rather than failing the whole push.
func peerListToTable(entries []ctp.PeerListEntry) []peertable.Peer {
	out := make([]peertable.Peer, 0, len(entries))
	for _, e := range entries {
		addr, err := resolveAddr(e.IP, e.Port)
		if err != nil {
			continue
		}
		out = append(out, peertable.Peer{ID: e.PeerID, Addr: addr})
	}
	return out
}

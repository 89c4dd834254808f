package syncengine

import "github.com/xtfly/clustershare/peertable"

// Status reports a snapshot of local state for the admin HTTP surface.
func (e *Engine) Status() map[string]interface{} {
	peers := e.peers.Snapshot()
	alive, suspect := 0, 0
	for _, p := range peers {
		switch p.State {
		case peertable.Alive:
			alive++
		case peertable.Suspect:
			suspect++
		}
	}
	entries, _ := e.mf.Entries()
	return map[string]interface{}{
		"peerId":     e.rt.PeerID().String(),
		"clusterId":  e.cluster,
		"localAddr":  e.rt.LocalAddr().String(),
		"peerCount":  len(peers),
		"peersAlive": alive,
		"peersSuspect": suspect,
		"manifestSize": len(entries),
	}
}

// Manifest returns the local mirror of the cluster's file list.
func (e *Engine) Manifest() ([]string, error) {
	return e.mf.Entries()
}

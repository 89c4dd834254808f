package syncengine

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/xtfly/clustershare/blockstore"
	"github.com/xtfly/clustershare/common"
	"github.com/xtfly/clustershare/ctp"
	"github.com/xtfly/clustershare/digest"
	"github.com/xtfly/clustershare/peertable"
)

// Update implements spec.md's update flow: pull the authoritative
// manifest, merge it locally, then acquire every manifest entry that
// isn't finalized yet — both filenames newly learned from this merge and
// ones left partial (incomplete acquisition, or a HashMismatch reset) by
// an earlier cycle. Per spec.md §4.6 step 3, a file that still can't be
// completed this cycle is left for the next one to resume.
func (e *Engine) Update() error {
	e.updateMu.Lock()
	defer e.updateMu.Unlock()

	raw, err := e.cc.Manifest(e.cluster)
	if err != nil {
		return fmt.Errorf("syncengine: update: fetch manifest: %w", err)
	}
	incoming := splitManifestBytes(raw)

	added, err := e.mf.Merge(incoming)
	if err != nil {
		return fmt.Errorf("syncengine: update: merge manifest: %w", err)
	}
	if len(added) > 0 {
		common.LOG.Infof("syncengine: update: %d new file(s) in manifest", len(added))
	}

	entries, err := e.mf.Entries()
	if err != nil {
		return fmt.Errorf("syncengine: update: list manifest: %w", err)
	}
	var pending []string
	for _, filename := range entries {
		if !e.bs.HasFinal(filename) {
			pending = append(pending, filename)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	sem := make(chan struct{}, e.cfg.AcquireConcurrency)
	var wg sync.WaitGroup
	for _, filename := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(filename string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.acquireFile(filename); err != nil {
				common.LOG.Warnf("syncengine: update: %s: %v", filename, err)
			}
		}(filename)
	}
	wg.Wait()
	return nil
}

func splitManifestBytes(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	parts := strings.Split(string(data), "\r\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// acquireFile obtains filename's authoritative info file (if not already
// cached), opens its temp file, and acquires every missing block.
func (e *Engine) acquireFile(filename string) error {
	info, err := e.bs.GetInfo(filename)
	if err != nil {
		info, err = e.fetchCrinfo(filename)
		if err != nil {
			return fmt.Errorf("fetch crinfo: %w", err)
		}
		if err := e.bs.PutInfo(filename, info); err != nil && err != blockstore.ErrAlreadyExists {
			return fmt.Errorf("put crinfo: %w", err)
		}
	}

	if e.bs.HasFinal(filename) {
		return nil
	}
	if err := e.bs.OpenTemp(filename, info); err != nil {
		return fmt.Errorf("open temp: %w", err)
	}

	missing, err := e.bs.MissingBlocks(filename, info)
	if err != nil {
		return fmt.Errorf("missing blocks: %w", err)
	}

	fileHash := digest.Hex(info.ContentHash)
	var incomplete bool
	for _, blockID := range missing {
		if err := e.acquireBlock(filename, fileHash, blockID, info); err != nil {
			common.LOG.Debugf("syncengine: %s block %d: %v", filename, blockID, err)
			incomplete = true
			continue
		}
	}
	if incomplete {
		return ErrTemporarilyUnavailable
	}

	if err := e.bs.Finalize(filename, info); err != nil {
		if err == blockstore.ErrHashMismatch {
			// Finalize already cleared every pointer on a mismatch, so
			// filename is back to all-missing; the next Update call's
			// pending-files pass (not just its newly-added one) will
			// pick it back up and re-acquire every block, per spec.md's
			// S6 hash-mismatch-recovery scenario.
			return nil
		}
		return fmt.Errorf("finalize: %w", err)
	}
	common.LOG.Infof("syncengine: finalized %s", filename)
	return nil
}

func (e *Engine) fetchCrinfo(filename string) (*blockstore.FileInfo, error) {
	addr, err := net.ResolveUDPAddr("udp", e.controlServerCTPAddr)
	if err != nil {
		return nil, err
	}
	resp, err := e.rt.SendRequest(ctp.CrinfoRequest, ctp.EncodeCrinfoRequest(filename), addr, e.cfg.RequestTimeout, e.cfg.RequestRetries)
	if err != nil {
		return nil, err
	}
	return blockstore.ParseFileInfo(filename, resp.Data)
}

// acquireBlock implements spec.md's block-acquisition algorithm: try every
// known peer in randomized order, fail over to the next on a miss or
// timeout, and fall back to the control server's creator lookup once the
// snapshot is exhausted.
func (e *Engine) acquireBlock(filename, fileHash string, blockID int, info *blockstore.FileInfo) error {
	candidates := randomOrder(e.peers.Snapshot())
	if e.tryPeers(filename, fileHash, blockID, info, candidates) {
		return nil
	}

	ip, err := e.cc.GetFileCreator(e.cluster, fileHash)
	if err != nil || ip == "" {
		return ErrTemporarilyUnavailable
	}

	addr, err := resolveAddr(ip, defaultCTPPort)
	if err != nil {
		return ErrTemporarilyUnavailable
	}

	// The control server reports only an address; reuse the existing
	// record's id if this peer is already in the table under a different
	// lookup path (e.g. learned via CLUSTER_JOIN_ACK), per spec.md §4.6
	// step 2's "if that peer is not already in the peer table" — only a
	// genuinely new address mints a fresh id.
	creatorID, known := findPeerByAddr(e.peers.Snapshot(), addr)
	if !known {
		creatorID = ctp.NewID()
		e.peers.Upsert(creatorID, addr)
	}

	if e.tryPeers(filename, fileHash, blockID, info, []peertable.Peer{{ID: creatorID, Addr: addr}}) {
		return nil
	}
	return ErrTemporarilyUnavailable
}

// defaultCTPPort is used when the control server's getFileCreator response
// carries only an IP: the creator is assumed to run CTP on the
// cluster-wide default port.
const defaultCTPPort = 6969

// findPeerByAddr looks for a peer already known at addr, so a
// getFileCreator response that names a peer by address rather than id
// doesn't mint a duplicate record for a peer already in the table.
func findPeerByAddr(peers []peertable.Peer, addr *net.UDPAddr) (ctp.ID, bool) {
	for _, p := range peers {
		if p.Addr != nil && p.Addr.String() == addr.String() {
			return p.ID, true
		}
	}
	return ctp.ID{}, false
}

func (e *Engine) tryPeers(filename, fileHash string, blockID int, info *blockstore.FileInfo, candidates []peertable.Peer) bool {
	for _, p := range candidates {
		if p.Addr == nil {
			continue
		}
		ok, err := e.requestBlock(filename, fileHash, blockID, info, p)
		if err != nil {
			if becameSuspect := e.peers.MarkFailure(p.ID); becameSuspect {
				e.reportSuspect(p)
			}
			continue
		}
		if ok {
			e.peers.MarkSuccess(p.ID)
			return true
		}
	}
	return false
}

func (e *Engine) reportSuspect(p peertable.Peer) {
	if err := e.cc.WellnessCheck(e.cluster, p.ID.String()); err != nil {
		common.LOG.Warnf("syncengine: wellness check for %s: %v", p.ID, err)
	}
	e.peers.MarkGone(p.ID)
}

// requestBlock sends one BLOCK_REQUEST to p and reports whether the block
// was obtained (true) or the peer reported a miss/invalid index (false,
// nil error). A transport failure is returned as an error.
func (e *Engine) requestBlock(filename, fileHash string, blockID int, info *blockstore.FileInfo, p peertable.Peer) (bool, error) {
	req := ctp.EncodeBlockRequest(fileHash, blockID)
	resp, err := e.rt.SendRequest(ctp.BlockRequest, req, p.Addr, e.cfg.RequestTimeout, 2)
	if err != nil {
		return false, err
	}

	_, respBlockID, status, block, err := ctp.DecodeBlockResponse(resp.Data)
	if err != nil {
		return false, err
	}
	if respBlockID != blockID {
		return false, nil
	}

	switch status {
	case ctp.BlockHave:
		if err := e.bs.WriteBlock(filename, info, blockID, block); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}

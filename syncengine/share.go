package syncengine

import (
	"fmt"
	"net"
	"time"

	"github.com/xtfly/clustershare/blockstore"
	"github.com/xtfly/clustershare/common"
	"github.com/xtfly/clustershare/ctp"
	"github.com/xtfly/clustershare/digest"
)

// Share implements spec.md's share(file) flow: it treats content as fully
// downloaded already, writes its descriptor, registers it with the
// control server over CTP, and tells every known peer the manifest
// changed.
func (e *Engine) Share(filename string, content []byte) error {
	info := &blockstore.FileInfo{
		Filename:    filename,
		FileSize:    int64(len(content)),
		CreatedAt:   time.Now().UTC(),
		ContentHash: digest.Sum(content),
	}

	if err := e.bs.Overwrite(filename, info, content); err != nil {
		return fmt.Errorf("syncengine: share %s: write content: %w", filename, err)
	}

	if err := e.notifyControlServer(filename, info.Marshal()); err != nil {
		return err
	}

	e.broadcastNotification("manifest updated")

	common.LOG.Infof("syncengine: shared %s (%d bytes)", filename, len(content))
	return nil
}

// notifyControlServer sends NEW_CRINFO_NOTIF to the control server's CTP
// address (it answers this request type the same way any peer does, per
// original_source/control-server/server.py mirroring ctp/peers.py's
// handler pattern). "error: exists" maps to ErrAlreadyShared.
func (e *Engine) notifyControlServer(filename string, crinfo []byte) error {
	addr, err := net.ResolveUDPAddr("udp", e.controlServerCTPAddr)
	if err != nil {
		return fmt.Errorf("syncengine: resolve control server ctp address: %w", err)
	}

	payload := ctp.EncodeNewCrinfoNotif(filename, crinfo)
	resp, err := e.rt.SendRequest(ctp.NewCrinfoNotif, payload, addr, e.cfg.RequestTimeout, e.cfg.RequestRetries)
	if err != nil {
		return fmt.Errorf("syncengine: share %s: notify control server: %w", filename, err)
	}

	switch string(resp.Data) {
	case "success":
		return nil
	case "error: exists":
		return ErrAlreadyShared
	default:
		return fmt.Errorf("syncengine: share %s: unexpected control server response %q", filename, resp.Data)
	}
}

// broadcastNotification fans NOTIFICATION out to every known peer with
// retries=0: fire-and-forget, per spec.md's share() step 4.
func (e *Engine) broadcastNotification(message string) {
	for _, p := range e.peers.Snapshot() {
		if p.Addr == nil {
			continue
		}
		if _, err := e.rt.SendRequest(ctp.Notification, []byte(message), p.Addr, e.cfg.RequestTimeout, 0); err != nil {
			common.LOG.Debugf("syncengine: notify %s failed (fire-and-forget): %v", p.ID, err)
		}
	}
}

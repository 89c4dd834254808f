package syncengine

import (
	"sync"

	"github.com/xtfly/clustershare/blockstore"
	"github.com/xtfly/clustershare/common"
	"github.com/xtfly/clustershare/ctp"
	"github.com/xtfly/clustershare/digest"
)

// engineHandlers is the server side of the peer runtime: the capability
// set spec.md's design notes ask for in place of an abstract base class.
// It is a distinct type from Engine (rather than methods on Engine
// directly) so Engine's public API reads as sync-engine operations, not
// wire handlers.
type engineHandlers Engine

// HandlersBox breaks the construction cycle between ctp.NewRuntime (which
// needs a ctp.Handlers up front) and New (which needs the already-running
// runtime): build a box, pass it to ctp.NewRuntime, construct the Engine,
// then Bind it. Every call arriving before Bind is answered with
// InvalidRequest rather than blocking or panicking.
type HandlersBox struct {
	mu sync.RWMutex
	e  *Engine
}

// Bind attaches the engine whose handlers this box should delegate to.
func (b *HandlersBox) Bind(e *Engine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.e = e
}

func (b *HandlersBox) get() ctp.Handlers {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.e == nil {
		return nil
	}
	return b.e.Handlers()
}

func (b *HandlersBox) HandleStatusRequest(ctx *ctp.RequestContext) { b.dispatch(ctx, ctp.Handlers.HandleStatusRequest) }
func (b *HandlersBox) HandleNotification(ctx *ctp.RequestContext) { b.dispatch(ctx, ctp.Handlers.HandleNotification) }
func (b *HandlersBox) HandleBlockRequest(ctx *ctp.RequestContext) { b.dispatch(ctx, ctp.Handlers.HandleBlockRequest) }
func (b *HandlersBox) HandleCrinfoRequest(ctx *ctp.RequestContext) {
	b.dispatch(ctx, ctp.Handlers.HandleCrinfoRequest)
}
func (b *HandlersBox) HandleManifestRequest(ctx *ctp.RequestContext) {
	b.dispatch(ctx, ctp.Handlers.HandleManifestRequest)
}
func (b *HandlersBox) HandleNewCrinfoNotif(ctx *ctp.RequestContext) {
	b.dispatch(ctx, ctp.Handlers.HandleNewCrinfoNotif)
}
func (b *HandlersBox) HandleClusterJoinRequest(ctx *ctp.RequestContext) {
	b.dispatch(ctx, ctp.Handlers.HandleClusterJoinRequest)
}
func (b *HandlersBox) HandlePeerlistPush(ctx *ctp.RequestContext) {
	b.dispatch(ctx, ctp.Handlers.HandlePeerlistPush)
}
func (b *HandlersBox) HandleNoOp(ctx *ctp.RequestContext) {}
func (b *HandlersBox) HandleUnknownRequest(ctx *ctp.RequestContext) {
	b.dispatch(ctx, ctp.Handlers.HandleUnknownRequest)
}
func (b *HandlersBox) Cleanup(ctx *ctp.RequestContext) {
	if h := b.get(); h != nil {
		h.Cleanup(ctx)
	}
}

func (b *HandlersBox) dispatch(ctx *ctp.RequestContext, call func(ctp.Handlers, *ctp.RequestContext)) {
	h := b.get()
	if h == nil {
		ctx.SendResponse(ctp.InvalidRequest, []byte("engine not yet bound"))
		return
	}
	call(h, ctx)
}

func (e *engineHandlers) engine() *Engine { return (*Engine)(e) }

func (e *engineHandlers) HandleStatusRequest(ctx *ctp.RequestContext) {
	ctx.SendResponse(ctp.StatusResponse, []byte("1"))
}

func (e *engineHandlers) HandleNotification(ctx *ctp.RequestContext) {
	if string(ctx.Request.Data) == "manifest updated" {
		go func() {
			if err := e.engine().Update(); err != nil {
				common.LOG.Warnf("syncengine: update triggered by notification: %v", err)
			}
		}()
	}
	ctx.SendResponse(ctp.NotificationAck, []byte("ack"))
}

func (e *engineHandlers) HandleBlockRequest(ctx *ctp.RequestContext) {
	fileHash, blockID, err := ctp.DecodeBlockRequest(ctx.Request.Data)
	if err != nil {
		ctx.SendResponse(ctp.InvalidRequest, []byte(err.Error()))
		return
	}

	eng := e.engine()
	filename, info, err := eng.findByHash(fileHash)
	if err != nil {
		ctx.SendResponse(ctp.BlockResponse, ctp.EncodeBlockResponse(fileHash, blockID, ctp.BlockInvalid, nil))
		return
	}

	block, err := eng.bs.ReadBlock(filename, info, blockID)
	switch err {
	case nil:
		ctx.SendResponse(ctp.BlockResponse, ctp.EncodeBlockResponse(fileHash, blockID, ctp.BlockHave, block))
	case blockstore.ErrNotHave:
		ctx.SendResponse(ctp.BlockResponse, ctp.EncodeBlockResponse(fileHash, blockID, ctp.BlockNotHave, nil))
	default:
		ctx.SendResponse(ctp.BlockResponse, ctp.EncodeBlockResponse(fileHash, blockID, ctp.BlockInvalid, nil))
	}
}

func (e *engineHandlers) HandleCrinfoRequest(ctx *ctp.RequestContext) {
	filename, err := ctp.DecodeCrinfoRequest(ctx.Request.Data)
	if err != nil {
		ctx.SendResponse(ctp.InvalidRequest, []byte(err.Error()))
		return
	}

	info, err := e.engine().bs.GetInfo(filename)
	if err != nil {
		ctx.SendResponse(ctp.InvalidRequest, []byte("not found"))
		return
	}
	ctx.SendResponse(ctp.CrinfoResponse, info.Marshal())
}

func (e *engineHandlers) HandleManifestRequest(ctx *ctp.RequestContext) {
	info, err := e.engine().mf.Info()
	if err != nil {
		ctx.SendResponse(ctp.InvalidRequest, []byte("manifest not yet populated"))
		return
	}
	ctx.SendResponse(ctp.ManifestResponse, info.Marshal())
}

func (e *engineHandlers) HandleNewCrinfoNotif(ctx *ctp.RequestContext) {
	filename, crinfoBytes, err := ctp.DecodeNewCrinfoNotif(ctx.Request.Data)
	if err != nil {
		ctx.SendResponse(ctp.NewCrinfoAck, []byte("error: malformed"))
		return
	}
	info, err := blockstore.ParseFileInfo(filename, crinfoBytes)
	if err != nil {
		ctx.SendResponse(ctp.NewCrinfoAck, []byte("error: malformed"))
		return
	}

	eng := e.engine()
	if existing, err := eng.bs.GetInfo(filename); err == nil {
		if existing.ContentHash == info.ContentHash {
			ctx.SendResponse(ctp.NewCrinfoAck, []byte("success")) // dedupe: identical notif, idempotent
			return
		}
		ctx.SendResponse(ctp.NewCrinfoAck, []byte("error: exists"))
		return
	}

	if err := eng.bs.PutInfo(filename, info); err != nil {
		ctx.SendResponse(ctp.NewCrinfoAck, []byte("error: exists"))
		return
	}
	if _, err := eng.mf.Merge([]string{filename}); err != nil {
		common.LOG.Warnf("syncengine: merge %s into manifest after new-crinfo notif: %v", filename, err)
	}
	ctx.SendResponse(ctp.NewCrinfoAck, []byte("success"))
}

func (e *engineHandlers) HandleClusterJoinRequest(ctx *ctp.RequestContext) {
	eng := e.engine()
	snapshot := eng.peers.Snapshot()
	entries := make([]ctp.PeerListEntry, 0, len(snapshot))
	for _, p := range snapshot {
		if p.Addr == nil {
			continue
		}
		entries = append(entries, ctp.PeerListEntry{PeerID: p.ID, IP: p.Addr.IP.String(), Port: p.Addr.Port})
	}
	ctx.SendResponse(ctp.ClusterJoinAck, ctp.EncodePeerList(entries))
}

// HandlePeerlistPush merges a control-server-pushed peer list into the
// local peer table via peertable.Table.Replace, per spec.md §4.4: "the
// control server's push is merged in via replace". Fire-and-forget, like
// NO_OP: the catalog defines no response type for PEERLIST_PUSH.
func (e *engineHandlers) HandlePeerlistPush(ctx *ctp.RequestContext) {
	entries, err := ctp.DecodePeerList(ctx.Request.Data)
	if err != nil {
		common.LOG.Debugf("syncengine: malformed peerlist push: %v", err)
		return
	}
	e.engine().peers.Replace(peerListToTable(entries))
}

func (e *engineHandlers) HandleNoOp(ctx *ctp.RequestContext) {
	// unreachable: ctp.Runtime special-cases NO_OP ahead of dispatch.
}

func (e *engineHandlers) HandleUnknownRequest(ctx *ctp.RequestContext) {
	ctx.SendResponse(ctp.InvalidRequest, []byte("unknown request type"))
}

func (e *engineHandlers) Cleanup(ctx *ctp.RequestContext) {}

// findByHash locates the filename whose current crinfo carries fileHash,
// by scanning every crinfo this peer holds locally. Blocks are requested
// by content hash rather than filename, so this is the reverse lookup the
// server side of BLOCK_REQUEST needs — and it must work for files this
// peer shared itself, before any manifest merge has happened.
func (e *Engine) findByHash(fileHash string) (string, *blockstore.FileInfo, error) {
	names, err := e.bs.ListFilenames()
	if err != nil {
		return "", nil, err
	}
	for _, filename := range names {
		info, err := e.bs.GetInfo(filename)
		if err != nil {
			continue
		}
		if digest.Hex(info.ContentHash) == fileHash {
			return filename, info, nil
		}
	}
	return "", nil, blockstore.ErrNotFound
}

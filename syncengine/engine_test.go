package syncengine

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtfly/clustershare/blockstore"
	"github.com/xtfly/clustershare/controlclient"
	"github.com/xtfly/clustershare/ctp"
	"github.com/xtfly/clustershare/digest"
	"github.com/xtfly/clustershare/manifest"
	"github.com/xtfly/clustershare/peertable"
)

type testPeer struct {
	rt    *ctp.Runtime
	bs    *blockstore.Store
	mf    *manifest.Store
	peers *peertable.Table
	cc    *controlclient.Client
	eng   *Engine
}

// newTestPeer wires one full peer stack, with the engine's handlers bound
// to its own runtime (the runtime is both client and server, per the
// protocol design).
func newTestPeer(t *testing.T, clusterID ctp.ID, controlServerAddr, controlServerHTTP string) *testPeer {
	return newTestPeerWithConfig(t, clusterID, controlServerAddr, controlServerHTTP, Config{RequestTimeout: 500 * time.Millisecond})
}

// newTestPeerWithConfig is newTestPeer with caller-supplied engine tunables,
// for tests that need a short request timeout (wellness/eviction scenarios
// that deliberately talk to an unresponsive peer).
func newTestPeerWithConfig(t *testing.T, clusterID ctp.ID, controlServerAddr, controlServerHTTP string, cfg Config) *testPeer {
	dir, err := os.MkdirTemp("", "syncengine-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	bs, err := blockstore.NewStore(dir, 8)
	require.NoError(t, err)
	mf, err := manifest.NewStore(dir, 8)
	require.NoError(t, err)
	peers := peertable.New()
	cc := controlclient.New(controlServerHTTP)

	tp := &testPeer{bs: bs, mf: mf, peers: peers, cc: cc}

	rt, err := ctp.NewRuntime("127.0.0.1:0", clusterID, ctp.NewID(), placeholderHandlers{tp}, 8)
	require.NoError(t, err)
	h := rt.Start()
	t.Cleanup(h.Stop)
	tp.rt = rt

	eng := New(rt, bs, mf, peers, cc, "c1", controlServerAddr, cfg)
	tp.eng = eng
	return tp
}

// placeholderHandlers lets us build the runtime before the Engine (which
// needs the runtime) exists, then swap in the real handlers once it does.
type placeholderHandlers struct{ tp *testPeer }

func (p placeholderHandlers) HandleStatusRequest(ctx *ctp.RequestContext)    { p.real().HandleStatusRequest(ctx) }
func (p placeholderHandlers) HandleNotification(ctx *ctp.RequestContext)    { p.real().HandleNotification(ctx) }
func (p placeholderHandlers) HandleBlockRequest(ctx *ctp.RequestContext)    { p.real().HandleBlockRequest(ctx) }
func (p placeholderHandlers) HandleCrinfoRequest(ctx *ctp.RequestContext)   { p.real().HandleCrinfoRequest(ctx) }
func (p placeholderHandlers) HandleManifestRequest(ctx *ctp.RequestContext) { p.real().HandleManifestRequest(ctx) }
func (p placeholderHandlers) HandleNewCrinfoNotif(ctx *ctp.RequestContext)  { p.real().HandleNewCrinfoNotif(ctx) }
func (p placeholderHandlers) HandleClusterJoinRequest(ctx *ctp.RequestContext) {
	p.real().HandleClusterJoinRequest(ctx)
}
func (p placeholderHandlers) HandlePeerlistPush(ctx *ctp.RequestContext) { p.real().HandlePeerlistPush(ctx) }
func (p placeholderHandlers) HandleNoOp(ctx *ctp.RequestContext)           {}
func (p placeholderHandlers) HandleUnknownRequest(ctx *ctp.RequestContext) { p.real().HandleUnknownRequest(ctx) }
func (p placeholderHandlers) Cleanup(ctx *ctp.RequestContext)              {}

func (p placeholderHandlers) real() *engineHandlers { return (*engineHandlers)(p.tp.eng) }

func (tp *testPeer) addr() *net.UDPAddr { return tp.rt.LocalAddr().(*net.UDPAddr) }

// fakeControlServer serves the HTTP surface directly and answers CTP
// CRINFO_REQUEST/NEW_CRINFO_NOTIF by holding its own blockstore+manifest,
// acting as the "control server also speaks CTP" component original_source
// establishes.
type fakeControlServer struct {
	bs  *blockstore.Store
	mf  *manifest.Store
	rt  *ctp.Runtime
	srv *httptest.Server

	mu           sync.Mutex
	wellnessLog  []string
	fileCreators map[string]string // hex content hash -> ip
}

func newFakeControlServer(t *testing.T, clusterID ctp.ID) *fakeControlServer {
	dir, err := os.MkdirTemp("", "controlserver-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	bs, err := blockstore.NewStore(dir, 8)
	require.NoError(t, err)
	mf, err := manifest.NewStore(dir, 8)
	require.NoError(t, err)

	fc := &fakeControlServer{bs: bs, mf: mf, fileCreators: make(map[string]string)}
	rt, err := ctp.NewRuntime("127.0.0.1:0", clusterID, ctp.NewID(), fc, 8)
	require.NoError(t, err)
	h := rt.Start()
	t.Cleanup(h.Stop)
	fc.rt = rt

	mux := http.NewServeMux()
	mux.HandleFunc("/cluster/c1/manifest", func(w http.ResponseWriter, r *http.Request) {
		entries, _ := fc.mf.Entries()
		w.Write([]byte(joinCRLF(entries)))
	})
	mux.HandleFunc("/cluster/c1/wellness_check", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PeerID string `json:"peer_id"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		fc.mu.Lock()
		fc.wellnessLog = append(fc.wellnessLog, body.PeerID)
		fc.mu.Unlock()
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/cluster/c1/getFileCreator", func(w http.ResponseWriter, r *http.Request) {
		fc.mu.Lock()
		ip := fc.fileCreators[r.URL.Query().Get("fileId")]
		fc.mu.Unlock()
		w.Write([]byte(fmt.Sprintf(`{"ip":%q}`, ip)))
	})
	fc.srv = httptest.NewServer(mux)
	t.Cleanup(fc.srv.Close)
	return fc
}

// wellnessCalls returns the peer ids reported via wellness_check, in call
// order, safe to read after the exercising goroutines have finished.
func (fc *fakeControlServer) wellnessCalls() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.wellnessLog...)
}

// setFileCreator registers ip as the creator address getFileCreator should
// return for filename's current content hash.
func (fc *fakeControlServer) setFileCreator(t *testing.T, filename, ip string) {
	info, err := fc.bs.GetInfo(filename)
	require.NoError(t, err)
	fc.mu.Lock()
	fc.fileCreators[digest.Hex(info.ContentHash)] = ip
	fc.mu.Unlock()
}

func joinCRLF(entries []string) string {
	out := ""
	for i, e := range entries {
		if i > 0 {
			out += "\r\n"
		}
		out += e
	}
	return out
}

func (fc *fakeControlServer) addr() *net.UDPAddr { return fc.rt.LocalAddr().(*net.UDPAddr) }

func (fc *fakeControlServer) share(t *testing.T, filename string, content []byte) {
	info := &blockstore.FileInfo{Filename: filename, FileSize: int64(len(content)), ContentHash: digest.Sum(content)}
	require.NoError(t, fc.bs.Overwrite(filename, info, content))
	_, err := fc.mf.Merge([]string{filename})
	require.NoError(t, err)
}

// fakeControlServer implements ctp.Handlers directly for CRINFO_REQUEST
// and NEW_CRINFO_NOTIF, the two request types the engine sends to it.
func (fc *fakeControlServer) HandleStatusRequest(ctx *ctp.RequestContext) {
	ctx.SendResponse(ctp.StatusResponse, []byte("1"))
}
func (fc *fakeControlServer) HandleNotification(ctx *ctp.RequestContext) {
	ctx.SendResponse(ctp.NotificationAck, nil)
}
func (fc *fakeControlServer) HandleBlockRequest(ctx *ctp.RequestContext) {}
func (fc *fakeControlServer) HandleCrinfoRequest(ctx *ctp.RequestContext) {
	filename, err := ctp.DecodeCrinfoRequest(ctx.Request.Data)
	if err != nil {
		ctx.SendResponse(ctp.InvalidRequest, nil)
		return
	}
	info, err := fc.bs.GetInfo(filename)
	if err != nil {
		ctx.SendResponse(ctp.InvalidRequest, []byte("not found"))
		return
	}
	ctx.SendResponse(ctp.CrinfoResponse, info.Marshal())
}
func (fc *fakeControlServer) HandleManifestRequest(ctx *ctp.RequestContext) {}
func (fc *fakeControlServer) HandleNewCrinfoNotif(ctx *ctp.RequestContext) {
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
	if _, err := fc.bs.GetInfo(filename); err == nil {
		ctx.SendResponse(ctp.NewCrinfoAck, []byte("error: exists"))
		return
	}
	if err := fc.bs.PutInfo(filename, info); err != nil {
		ctx.SendResponse(ctp.NewCrinfoAck, []byte("error: exists"))
		return
	}
	fc.mf.Merge([]string{filename})
	ctx.SendResponse(ctp.NewCrinfoAck, []byte("success"))
}
func (fc *fakeControlServer) HandleClusterJoinRequest(ctx *ctp.RequestContext) {}
func (fc *fakeControlServer) HandlePeerlistPush(ctx *ctp.RequestContext)       {}
func (fc *fakeControlServer) HandleNoOp(ctx *ctp.RequestContext)               {}
func (fc *fakeControlServer) HandleUnknownRequest(ctx *ctp.RequestContext)     {}
func (fc *fakeControlServer) Cleanup(ctx *ctp.RequestContext)                  {}

// selectiveBlockPeer serves BLOCK_REQUEST from its own blockstore but
// always answers BlockNotHave for block ids in deny, simulating a peer
// that is missing (or still withholding) specific blocks.
type selectiveBlockPeer struct {
	bs   *blockstore.Store
	rt   *ctp.Runtime
	deny map[int]bool
}

func newSelectiveBlockPeer(t *testing.T, clusterID ctp.ID, bindAddr, filename string, content []byte, deny map[int]bool) *selectiveBlockPeer {
	dir, err := os.MkdirTemp("", "selective-peer-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	bs, err := blockstore.NewStore(dir, 8)
	require.NoError(t, err)
	info := &blockstore.FileInfo{Filename: filename, FileSize: int64(len(content)), ContentHash: digest.Sum(content)}
	require.NoError(t, bs.Overwrite(filename, info, content))

	sp := &selectiveBlockPeer{bs: bs, deny: deny}
	rt, err := ctp.NewRuntime(bindAddr, clusterID, ctp.NewID(), sp, 8)
	require.NoError(t, err)
	h := rt.Start()
	t.Cleanup(h.Stop)
	sp.rt = rt
	return sp
}

func (sp *selectiveBlockPeer) addr() *net.UDPAddr { return sp.rt.LocalAddr().(*net.UDPAddr) }

func (sp *selectiveBlockPeer) HandleStatusRequest(ctx *ctp.RequestContext) {
	ctx.SendResponse(ctp.StatusResponse, []byte("1"))
}
func (sp *selectiveBlockPeer) HandleNotification(ctx *ctp.RequestContext) {
	ctx.SendResponse(ctp.NotificationAck, nil)
}
func (sp *selectiveBlockPeer) HandleBlockRequest(ctx *ctp.RequestContext) {
	fileHash, blockID, err := ctp.DecodeBlockRequest(ctx.Request.Data)
	if err != nil {
		ctx.SendResponse(ctp.InvalidRequest, []byte(err.Error()))
		return
	}
	if sp.deny[blockID] {
		ctx.SendResponse(ctp.BlockResponse, ctp.EncodeBlockResponse(fileHash, blockID, ctp.BlockNotHave, nil))
		return
	}
	filenames, _ := sp.bs.ListFilenames()
	for _, filename := range filenames {
		info, err := sp.bs.GetInfo(filename)
		if err != nil || digest.Hex(info.ContentHash) != fileHash {
			continue
		}
		block, err := sp.bs.ReadBlock(filename, info, blockID)
		if err != nil {
			ctx.SendResponse(ctp.BlockResponse, ctp.EncodeBlockResponse(fileHash, blockID, ctp.BlockNotHave, nil))
			return
		}
		ctx.SendResponse(ctp.BlockResponse, ctp.EncodeBlockResponse(fileHash, blockID, ctp.BlockHave, block))
		return
	}
	ctx.SendResponse(ctp.BlockResponse, ctp.EncodeBlockResponse(fileHash, blockID, ctp.BlockInvalid, nil))
}
func (sp *selectiveBlockPeer) HandleCrinfoRequest(ctx *ctp.RequestContext)      {}
func (sp *selectiveBlockPeer) HandleManifestRequest(ctx *ctp.RequestContext)    {}
func (sp *selectiveBlockPeer) HandleNewCrinfoNotif(ctx *ctp.RequestContext)     {}
func (sp *selectiveBlockPeer) HandleClusterJoinRequest(ctx *ctp.RequestContext) {}
func (sp *selectiveBlockPeer) HandlePeerlistPush(ctx *ctp.RequestContext)       {}
func (sp *selectiveBlockPeer) HandleNoOp(ctx *ctp.RequestContext)               {}
func (sp *selectiveBlockPeer) HandleUnknownRequest(ctx *ctp.RequestContext)     {}
func (sp *selectiveBlockPeer) Cleanup(ctx *ctp.RequestContext)                  {}

// silentPeer runs a real runtime but never answers any request, simulating
// a dead or unreachable peer for failover/eviction scenarios.
type silentPeer struct {
	rt *ctp.Runtime
}

func newSilentPeer(t *testing.T, clusterID ctp.ID) *silentPeer {
	sp := &silentPeer{}
	rt, err := ctp.NewRuntime("127.0.0.1:0", clusterID, ctp.NewID(), sp, 8)
	require.NoError(t, err)
	h := rt.Start()
	t.Cleanup(h.Stop)
	sp.rt = rt
	return sp
}

func (sp *silentPeer) addr() *net.UDPAddr { return sp.rt.LocalAddr().(*net.UDPAddr) }

func (sp *silentPeer) HandleStatusRequest(ctx *ctp.RequestContext)      {}
func (sp *silentPeer) HandleNotification(ctx *ctp.RequestContext)       {}
func (sp *silentPeer) HandleBlockRequest(ctx *ctp.RequestContext)       {}
func (sp *silentPeer) HandleCrinfoRequest(ctx *ctp.RequestContext)      {}
func (sp *silentPeer) HandleManifestRequest(ctx *ctp.RequestContext)    {}
func (sp *silentPeer) HandleNewCrinfoNotif(ctx *ctp.RequestContext)     {}
func (sp *silentPeer) HandleClusterJoinRequest(ctx *ctp.RequestContext) {}
func (sp *silentPeer) HandlePeerlistPush(ctx *ctp.RequestContext)       {}
func (sp *silentPeer) HandleNoOp(ctx *ctp.RequestContext)               {}
func (sp *silentPeer) HandleUnknownRequest(ctx *ctp.RequestContext)     {}
func (sp *silentPeer) Cleanup(ctx *ctp.RequestContext)                  {}

func TestUpdatePullsFileFromPeer(t *testing.T) {
	clusterID := ctp.NewID()
	cs := newFakeControlServer(t, clusterID)

	a := newTestPeer(t, clusterID, cs.addr().String(), cs.srv.URL)
	b := newTestPeer(t, clusterID, cs.addr().String(), cs.srv.URL)

	content := []byte("hello there, this is a test file")
	require.NoError(t, a.eng.Share("hello.txt", content))
	cs.share(t, "hello.txt", content) // drives the HTTP-served manifest b polls

	b.peers.Upsert(ctp.NewID(), a.addr())

	require.NoError(t, b.eng.Update())

	assert.True(t, b.bs.HasFinal("hello.txt"))
	got, err := b.bs.ReadFinal("hello.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestUpdateIsNoopWithoutNewFiles(t *testing.T) {
	clusterID := ctp.NewID()
	cs := newFakeControlServer(t, clusterID)
	b := newTestPeer(t, clusterID, cs.addr().String(), cs.srv.URL)

	require.NoError(t, b.eng.Update())
	entries, err := b.mf.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestShareRejectsDuplicate(t *testing.T) {
	clusterID := ctp.NewID()
	cs := newFakeControlServer(t, clusterID)
	a := newTestPeer(t, clusterID, cs.addr().String(), cs.srv.URL)

	content := []byte("same content twice")
	require.NoError(t, a.eng.Share("dup.txt", content))
	err := a.eng.Share("dup.txt", content)
	assert.ErrorIs(t, err, ErrAlreadyShared)
}

// corruptingBlockPeer serves filename's blocks from an in-memory copy of
// content, flipping the bytes of one designated block, for exercising the
// finalize-time hash-mismatch-and-reset path.
type corruptingBlockPeer struct {
	rt           *ctp.Runtime
	content      []byte
	blockSize    int
	corruptBlock int
}

func newCorruptingBlockPeer(t *testing.T, clusterID ctp.ID, content []byte, blockSize, corruptBlock int) *corruptingBlockPeer {
	cp := &corruptingBlockPeer{content: content, blockSize: blockSize, corruptBlock: corruptBlock}
	rt, err := ctp.NewRuntime("127.0.0.1:0", clusterID, ctp.NewID(), cp, 8)
	require.NoError(t, err)
	h := rt.Start()
	t.Cleanup(h.Stop)
	cp.rt = rt
	return cp
}

func (cp *corruptingBlockPeer) addr() *net.UDPAddr { return cp.rt.LocalAddr().(*net.UDPAddr) }

func (cp *corruptingBlockPeer) HandleStatusRequest(ctx *ctp.RequestContext) {
	ctx.SendResponse(ctp.StatusResponse, []byte("1"))
}
func (cp *corruptingBlockPeer) HandleNotification(ctx *ctp.RequestContext) {
	ctx.SendResponse(ctp.NotificationAck, nil)
}
func (cp *corruptingBlockPeer) HandleBlockRequest(ctx *ctp.RequestContext) {
	fileHash, blockID, err := ctp.DecodeBlockRequest(ctx.Request.Data)
	if err != nil {
		ctx.SendResponse(ctp.InvalidRequest, []byte(err.Error()))
		return
	}
	start := blockID * cp.blockSize
	if start >= len(cp.content) {
		ctx.SendResponse(ctp.BlockResponse, ctp.EncodeBlockResponse(fileHash, blockID, ctp.BlockNotHave, nil))
		return
	}
	end := start + cp.blockSize
	if end > len(cp.content) {
		end = len(cp.content)
	}
	block := append([]byte(nil), cp.content[start:end]...)
	if blockID == cp.corruptBlock {
		for i := range block {
			block[i] ^= 0xFF
		}
	}
	ctx.SendResponse(ctp.BlockResponse, ctp.EncodeBlockResponse(fileHash, blockID, ctp.BlockHave, block))
}
func (cp *corruptingBlockPeer) HandleCrinfoRequest(ctx *ctp.RequestContext)      {}
func (cp *corruptingBlockPeer) HandleManifestRequest(ctx *ctp.RequestContext)    {}
func (cp *corruptingBlockPeer) HandleNewCrinfoNotif(ctx *ctp.RequestContext)     {}
func (cp *corruptingBlockPeer) HandleClusterJoinRequest(ctx *ctp.RequestContext) {}
func (cp *corruptingBlockPeer) HandlePeerlistPush(ctx *ctp.RequestContext)       {}
func (cp *corruptingBlockPeer) HandleNoOp(ctx *ctp.RequestContext)               {}
func (cp *corruptingBlockPeer) HandleUnknownRequest(ctx *ctp.RequestContext)     {}
func (cp *corruptingBlockPeer) Cleanup(ctx *ctp.RequestContext)                  {}

// TestUpdateFailsOverToSecondPeerForDeniedBlocks covers scenario S2: a peer
// that denies every block (simulating one with no copy, or one that has
// since left) must not stall acquisition when another peer has the file.
func TestUpdateFailsOverToSecondPeerForDeniedBlocks(t *testing.T) {
	clusterID := ctp.NewID()
	cs := newFakeControlServer(t, clusterID)
	b := newTestPeer(t, clusterID, cs.addr().String(), cs.srv.URL)

	content := []byte("twenty bytes of data")
	cs.share(t, "multi.txt", content)

	denyAll := map[int]bool{0: true, 1: true, 2: true}
	empty := newSelectiveBlockPeer(t, clusterID, "127.0.0.1:0", "multi.txt", content, denyAll)
	full := newSelectiveBlockPeer(t, clusterID, "127.0.0.1:0", "multi.txt", content, nil)

	b.peers.Upsert(ctp.NewID(), empty.addr())
	b.peers.Upsert(ctp.NewID(), full.addr())

	require.NoError(t, b.eng.Update())

	assert.True(t, b.bs.HasFinal("multi.txt"))
	got, err := b.bs.ReadFinal("multi.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

// TestWellnessReportedAndPeerEvictedAfterRepeatedTimeouts covers scenario
// S4: a peer that never responds is reported to the control server via
// wellness_check once it crosses the consecutive-failure threshold, and
// marked GONE in the local table.
func TestWellnessReportedAndPeerEvictedAfterRepeatedTimeouts(t *testing.T) {
	clusterID := ctp.NewID()
	cs := newFakeControlServer(t, clusterID)
	b := newTestPeerWithConfig(t, clusterID, cs.addr().String(), cs.srv.URL, Config{RequestTimeout: 20 * time.Millisecond})

	content := make([]byte, 17)
	for i := range content {
		content[i] = byte(i)
	}
	cs.share(t, "flaky.txt", content)

	dead := newSilentPeer(t, clusterID)
	deadID := ctp.NewID()
	b.peers.Upsert(deadID, dead.addr())

	require.NoError(t, b.eng.Update())

	assert.False(t, b.bs.HasFinal("flaky.txt"))

	p, ok := b.peers.Get(deadID)
	require.True(t, ok)
	assert.Equal(t, peertable.Gone, p.State)

	calls := cs.wellnessCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, deadID.String(), calls[0])
}

// TestCreatorFallbackWhenNoPeerHasFile covers scenario S5: with an empty
// peer table, acquisition falls back to the control server's creator
// lookup rather than giving up.
func TestCreatorFallbackWhenNoPeerHasFile(t *testing.T) {
	clusterID := ctp.NewID()
	cs := newFakeControlServer(t, clusterID)
	b := newTestPeer(t, clusterID, cs.addr().String(), cs.srv.URL)

	content := []byte("creator fallback content")
	cs.share(t, "fallback.txt", content)
	cs.setFileCreator(t, "fallback.txt", "127.0.0.1")

	creator := newSelectiveBlockPeer(t, clusterID, "127.0.0.1:6969", "fallback.txt", content, nil)
	require.Equal(t, 6969, creator.addr().Port)

	require.NoError(t, b.eng.Update())

	assert.True(t, b.bs.HasFinal("fallback.txt"))
	got, err := b.bs.ReadFinal("fallback.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

// TestHashMismatchRecoveredOnNextUpdateCycle covers scenario S6: a finalize
// that detects a content-hash mismatch resets the file to all-missing, and
// a later Update call (not just a cycle that sees newly-added filenames)
// resumes and completes it once a peer with the genuine content is used.
func TestHashMismatchRecoveredOnNextUpdateCycle(t *testing.T) {
	clusterID := ctp.NewID()
	cs := newFakeControlServer(t, clusterID)

	a := newTestPeer(t, clusterID, cs.addr().String(), cs.srv.URL)
	b := newTestPeer(t, clusterID, cs.addr().String(), cs.srv.URL)

	content := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, a.eng.Share("corrupt.txt", content))
	cs.share(t, "corrupt.txt", content)

	bad := newCorruptingBlockPeer(t, clusterID, content, 8, 0)
	b.peers.Upsert(ctp.NewID(), bad.addr())

	require.NoError(t, b.eng.Update())
	assert.False(t, b.bs.HasFinal("corrupt.txt"), "hash mismatch should leave the file unfinalized")

	info, err := b.bs.GetInfo("corrupt.txt")
	require.NoError(t, err)
	missing, err := b.bs.MissingBlocks("corrupt.txt", info)
	require.NoError(t, err)
	assert.NotEmpty(t, missing, "finalize should have reset every block pointer")

	b.peers.Replace([]peertable.Peer{{ID: ctp.NewID(), Addr: a.addr()}})

	require.NoError(t, b.eng.Update())
	assert.True(t, b.bs.HasFinal("corrupt.txt"))
	got, err := b.bs.ReadFinal("corrupt.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestHandlePeerlistPushMergesIntoPeerTable(t *testing.T) {
	clusterID := ctp.NewID()
	cs := newFakeControlServer(t, clusterID)
	a := newTestPeer(t, clusterID, cs.addr().String(), cs.srv.URL)

	pushed := ctp.NewID()
	pushedAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 7777}
	entries := []ctp.PeerListEntry{{PeerID: pushed, IP: "127.0.0.1", Port: 7777}}

	ctx := &ctp.RequestContext{Request: &ctp.Message{Type: ctp.PeerlistPush, Data: ctp.EncodePeerList(entries)}}
	(*engineHandlers)(a.eng).HandlePeerlistPush(ctx)

	p, ok := a.peers.Get(pushed)
	require.True(t, ok)
	assert.Equal(t, pushedAddr.String(), p.Addr.String())
	assert.Equal(t, peertable.Alive, p.State)
}

package ctp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/xtfly/clustershare/common"
)

// Handlers is the capability set a peer runtime dispatches inbound requests
// to. There is no base class to extend — callers supply one value
// implementing every method, the way spec.md's design notes ask for a
// "capability set" rather than an abstract base class.
type Handlers interface {
	HandleStatusRequest(ctx *RequestContext)
	HandleNotification(ctx *RequestContext)
	HandleBlockRequest(ctx *RequestContext)
	HandleCrinfoRequest(ctx *RequestContext)
	HandleManifestRequest(ctx *RequestContext)
	HandleNewCrinfoNotif(ctx *RequestContext)
	HandleClusterJoinRequest(ctx *RequestContext)
	HandlePeerlistPush(ctx *RequestContext)
	HandleNoOp(ctx *RequestContext)
	HandleUnknownRequest(ctx *RequestContext)
	Cleanup(ctx *RequestContext)
}

// RequestContext carries one inbound request through handler dispatch.
type RequestContext struct {
	Request    *Message
	RemoteAddr *net.UDPAddr

	rt        *Runtime
	responded bool
}

// SendResponse sends a response for the request this context wraps. It may
// be called at most once per request, and never for a NO_OP request.
func (c *RequestContext) SendResponse(msgType MessageType, data []byte) error {
	if msgType.IsRequest() {
		return fmt.Errorf("%w: %s is not a response type", ErrInvalidArgument, msgType)
	}
	if c.responded {
		return fmt.Errorf("ctp: response already sent for seq %d", c.Request.Seq)
	}
	c.responded = true

	resp := &Message{
		Type:      msgType,
		Seq:       ResponseSeq(c.Request.Seq),
		ClusterID: c.rt.clusterID,
		SenderID:  c.rt.peerID,
		Data:      data,
	}
	return c.rt.sendMessage(resp, c.RemoteAddr)
}

type waiterKey struct {
	seq  uint32
	addr string
}

// Runtime is a single peer's CTP endpoint: it owns the UDP socket, sends
// requests and waits for correlated responses, and dispatches inbound
// requests to Handlers on a bounded worker pool. One Runtime is
// simultaneously the "client" and the "server" side of the protocol.
type Runtime struct {
	clusterID ID
	peerID    ID
	handlers  Handlers
	poolSize  int

	conn *net.UDPConn

	waitersMu sync.Mutex
	waiters   map[waiterKey]chan *Message

	sem chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRuntime binds a UDP socket at bindAddr and returns a Runtime ready to
// have Start called on it.
func NewRuntime(bindAddr string, clusterID, peerID ID, handlers Handlers, poolSize int) (*Runtime, error) {
	if poolSize <= 0 {
		poolSize = 16
	}

	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("ctp: resolve bind addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("ctp: listen: %w", err)
	}

	return &Runtime{
		clusterID: clusterID,
		peerID:    peerID,
		handlers:  handlers,
		poolSize:  poolSize,
		conn:      conn,
		waiters:   make(map[waiterKey]chan *Message),
		sem:       make(chan struct{}, poolSize),
		stopCh:    make(chan struct{}),
	}, nil
}

// ListenHandle lets a caller stop the background dispatch loop started by
// Runtime.Start.
type ListenHandle struct {
	rt *Runtime
}

// Stop ends the listen loop and closes the socket. It does not cancel
// handlers already in flight.
func (h *ListenHandle) Stop() {
	close(h.rt.stopCh)
	h.rt.conn.Close()
	h.rt.wg.Wait()
}

// Start spawns the background dispatch loop and returns immediately with a
// handle to stop it later; it does not block the caller.
func (rt *Runtime) Start() *ListenHandle {
	rt.wg.Add(1)
	go rt.listenLoop()
	common.LOG.Infof("ctp: listening on %s", rt.conn.LocalAddr())
	return &ListenHandle{rt: rt}
}

func (rt *Runtime) listenLoop() {
	defer rt.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := rt.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-rt.stopCh:
				return
			default:
				common.LOG.Error("ctp: read error: ", err)
				continue
			}
		}

		frame := append([]byte(nil), buf[:n]...)
		rt.handleFrame(frame, addr)
	}
}

func (rt *Runtime) handleFrame(frame []byte, addr *net.UDPAddr) {
	msg, err := Decode(frame)
	if err != nil {
		common.LOG.Debug("ctp: dropping malformed frame from ", addr, ": ", err)
		return
	}
	if msg.ClusterID != rt.clusterID {
		common.LOG.Debug("ctp: dropping frame from wrong cluster from ", addr)
		return
	}

	if !msg.IsRequest() {
		rt.deliverToWaiter(msg, addr)
		return
	}

	rt.dispatchRequest(msg, addr)
}

func (rt *Runtime) deliverToWaiter(msg *Message, addr *net.UDPAddr) {
	key := waiterKey{seq: msg.Seq, addr: addr.String()}
	rt.waitersMu.Lock()
	ch, ok := rt.waiters[key]
	if ok {
		delete(rt.waiters, key)
	}
	rt.waitersMu.Unlock()

	if !ok {
		common.LOG.Debug("ctp: dropping unmatched response (likely a late duplicate) from ", addr)
		return
	}
	ch <- msg
}

func (rt *Runtime) dispatchRequest(msg *Message, addr *net.UDPAddr) {
	if msg.Type == NoOp {
		// NO_OP never responds; the dispatcher special-cases it ahead of
		// the worker pool so a flood of keep-alives can't exhaust it.
		return
	}

	select {
	case rt.sem <- struct{}{}:
	default:
		busy := &Message{
			Type:      UnexpectedReq,
			Seq:       ResponseSeq(msg.Seq),
			ClusterID: rt.clusterID,
			SenderID:  rt.peerID,
			Data:      []byte("busy"),
		}
		rt.sendMessage(busy, addr)
		return
	}

	go func() {
		defer func() { <-rt.sem }()
		rt.runHandler(msg, addr)
	}()
}

func (rt *Runtime) runHandler(msg *Message, addr *net.UDPAddr) {
	ctx := &RequestContext{Request: msg, RemoteAddr: addr, rt: rt}
	defer rt.handlers.Cleanup(ctx)

	switch msg.Type {
	case StatusRequest:
		rt.handlers.HandleStatusRequest(ctx)
	case Notification:
		rt.handlers.HandleNotification(ctx)
	case BlockRequest:
		rt.handlers.HandleBlockRequest(ctx)
	case CrinfoRequest:
		rt.handlers.HandleCrinfoRequest(ctx)
	case ManifestRequest:
		rt.handlers.HandleManifestRequest(ctx)
	case NewCrinfoNotif:
		rt.handlers.HandleNewCrinfoNotif(ctx)
	case ClusterJoinRequest:
		rt.handlers.HandleClusterJoinRequest(ctx)
	case PeerlistPush:
		rt.handlers.HandlePeerlistPush(ctx)
	default:
		rt.handlers.HandleUnknownRequest(ctx)
	}
}

func (rt *Runtime) sendMessage(msg *Message, addr *net.UDPAddr) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = rt.conn.WriteToUDP(frame, addr)
	return err
}

// SendRequest sends a request of msgType to dest and blocks until a
// correlated response arrives or timeout (plus retries) is exhausted.
// msgType must be a request type.
func (rt *Runtime) SendRequest(msgType MessageType, data []byte, dest *net.UDPAddr, timeout time.Duration, retries int) (*Message, error) {
	if !msgType.IsRequest() {
		return nil, fmt.Errorf("%w: %s is not a request type", ErrInvalidArgument, msgType)
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		seq, err := randomSeq()
		if err != nil {
			return nil, fmt.Errorf("ctp: generate sequence number: %w", err)
		}

		msg := &Message{
			Type:      msgType,
			Seq:       seq,
			ClusterID: rt.clusterID,
			SenderID:  rt.peerID,
			Data:      data,
		}

		resp, err := rt.sendAndAwait(msg, dest, timeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: after %d attempts: %v", ErrConnection, retries+1, lastErr)
}

func (rt *Runtime) sendAndAwait(msg *Message, dest *net.UDPAddr, timeout time.Duration) (*Message, error) {
	key := waiterKey{seq: ResponseSeq(msg.Seq), addr: dest.String()}
	ch := make(chan *Message, 1)

	rt.waitersMu.Lock()
	rt.waiters[key] = ch
	rt.waitersMu.Unlock()

	defer func() {
		rt.waitersMu.Lock()
		delete(rt.waiters, key)
		rt.waitersMu.Unlock()
	}()

	if err := rt.sendMessage(msg, dest); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for seq %d from %s", key.seq, dest)
	}
}

func randomSeq() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// PeerID returns this runtime's own peer ID.
func (rt *Runtime) PeerID() ID { return rt.peerID }

// ClusterID returns this runtime's cluster ID.
func (rt *Runtime) ClusterID() ID { return rt.clusterID }

// LocalAddr returns the bound UDP address.
func (rt *Runtime) LocalAddr() net.Addr { return rt.conn.LocalAddr() }

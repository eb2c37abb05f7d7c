// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package brine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-uuid"
	"github.com/hashicorp/yamux"

	"github.com/hashicorp/brine/brine/structs"
)

// Leading byte of every request connection, selecting single-exchange or
// multiplexed mode.
const (
	byteRequest byte = 0x01
	byteMux     byte = 0x02
)

// maxFrameSize bounds a single framed message. Publishes and replies are
// small; anything larger is a broken or hostile peer.
const maxFrameSize = 64 << 20

// writeFrame writes one length-prefixed blob.
func writeFrame(w io.Writer, buf []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(buf)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// readFrame reads one length-prefixed blob.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// TCPRequestTransport serves the request channel over TCP. Each connection
// announces its mode with one byte: a plain exchange stream, or a yamux
// session carrying many exchange streams for chatty minions.
type TCPRequestTransport struct {
	listener net.Listener
	timeout  time.Duration
	logger   log.Logger

	shutdown     bool
	shutdownLock sync.Mutex
}

// NewTCPRequestTransport binds the request listener.
func NewTCPRequestTransport(addr string, timeout time.Duration, logger log.Logger) (*TCPRequestTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind request listener on %s: %w", addr, err)
	}
	return &TCPRequestTransport{
		listener: ln,
		timeout:  timeout,
		logger:   logger.Named("tcp_request"),
	}, nil
}

// Addr returns the bound listener address.
func (t *TCPRequestTransport) Addr() net.Addr {
	return t.listener.Addr()
}

// Serve accepts connections until ctx is canceled or the listener closes.
func (t *TCPRequestTransport) Serve(ctx context.Context, handle func(ctx context.Context, raw []byte) []byte) error {
	go func() {
		<-ctx.Done()
		t.Close()
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.shutdownLock.Lock()
			closed := t.shutdown
			t.shutdownLock.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.Error("failed to accept request connection", "error", err)
			continue
		}
		go t.handleConn(ctx, conn, handle)
	}
}

// Close stops the listener. In-flight exchanges finish on their own
// connections.
func (t *TCPRequestTransport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()
	if t.shutdown {
		return nil
	}
	t.shutdown = true
	return t.listener.Close()
}

func (t *TCPRequestTransport) handleConn(ctx context.Context, conn net.Conn, handle func(ctx context.Context, raw []byte) []byte) {
	defer conn.Close()

	var mode [1]byte
	if t.timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(t.timeout))
	}
	if _, err := io.ReadFull(conn, mode[:]); err != nil {
		if err != io.EOF {
			t.logger.Warn("failed to read connection mode byte", "error", err)
		}
		return
	}
	conn.SetReadDeadline(time.Time{})

	switch mode[0] {
	case byteRequest:
		t.handleExchanges(ctx, conn, handle)
	case byteMux:
		t.handleMux(ctx, conn, handle)
	default:
		t.logger.Warn("unrecognized connection mode byte", "byte", mode[0],
			"remote", conn.RemoteAddr())
	}
}

// handleMux runs a yamux session, each stream carrying its own exchange
// loop.
func (t *TCPRequestTransport) handleMux(ctx context.Context, conn net.Conn, handle func(ctx context.Context, raw []byte) []byte) {
	session, err := yamux.Server(conn, nil)
	if err != nil {
		t.logger.Error("failed to start multiplex session", "error", err)
		return
	}
	defer session.Close()

	for {
		stream, err := session.Accept()
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("multiplex session ended", "error", err)
			}
			return
		}
		go func() {
			defer stream.Close()
			t.handleExchanges(ctx, stream, handle)
		}()
	}
}

// handleExchanges runs request/reply frames on one stream until the peer
// hangs up.
func (t *TCPRequestTransport) handleExchanges(ctx context.Context, conn net.Conn, handle func(ctx context.Context, raw []byte) []byte) {
	for {
		raw, err := readFrame(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				t.logger.Debug("request stream ended", "error", err)
			}
			return
		}

		metrics.IncrCounter([]string{"brine", "transport", "request"}, 1)
		reply := handle(ctx, raw)

		if t.timeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(t.timeout))
		}
		if err := writeFrame(conn, reply); err != nil {
			t.logger.Warn("failed to write reply", "error", err)
			return
		}
	}
}

// subscribeFrame is the first frame every publish subscriber sends: its
// claimed ID plus a token proving possession of the accepted key.
type subscribeFrame struct {
	ID  string `codec:"id"`
	Tok []byte `codec:"tok"`
}

// tcpSubscriber is one registered publish connection.
type tcpSubscriber struct {
	handle string
	id     string
	conn   net.Conn

	writeLock sync.Mutex
}

// TCPPubTransport serves the publish channel over TCP with per-subscriber
// topic filtering. Subscribers authenticate with a token on connect, which
// gates presence registration.
type TCPPubTransport struct {
	listener net.Listener
	timeout  time.Duration
	logger   log.Logger

	// validate gates subscriber registration; wired to the publisher's
	// ValidateSubscriber.
	validate func(id string, tok []byte) bool

	// presence receives subscribe/unsubscribe transitions; may be nil.
	presence *PresenceTracker

	mu       sync.RWMutex
	subs     map[string]*tcpSubscriber
	shutdown bool
}

// NewTCPPubTransport binds the publish listener.
func NewTCPPubTransport(addr string, timeout time.Duration,
	validate func(id string, tok []byte) bool, presence *PresenceTracker,
	logger log.Logger) (*TCPPubTransport, error) {

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind publish listener on %s: %w", addr, err)
	}
	return &TCPPubTransport{
		listener: ln,
		timeout:  timeout,
		validate: validate,
		presence: presence,
		logger:   logger.Named("tcp_pub"),
		subs:     make(map[string]*tcpSubscriber),
	}, nil
}

// Addr returns the bound listener address.
func (t *TCPPubTransport) Addr() net.Addr {
	return t.listener.Addr()
}

// SupportsTopics reports topic filtering support. Always true for TCP.
func (t *TCPPubTransport) SupportsTopics() bool { return true }

// Serve accepts subscriber connections until ctx is canceled.
func (t *TCPPubTransport) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.Close()
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.RLock()
			closed := t.shutdown
			t.mu.RUnlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.Error("failed to accept publish connection", "error", err)
			continue
		}
		go t.handleSubscriber(ctx, conn)
	}
}

func (t *TCPPubTransport) handleSubscriber(ctx context.Context, conn net.Conn) {
	if t.timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(t.timeout))
	}
	raw, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	var frame subscribeFrame
	if err := structs.Decode(raw, &frame); err != nil {
		t.logger.Warn("undecodable subscribe frame", "remote", conn.RemoteAddr())
		conn.Close()
		return
	}
	if t.validate != nil && !t.validate(frame.ID, frame.Tok) {
		t.logger.Warn("rejecting unauthenticated subscriber",
			"minion", frame.ID, "remote", conn.RemoteAddr())
		conn.Close()
		return
	}

	handle, err := uuid.GenerateUUID()
	if err != nil {
		conn.Close()
		return
	}
	sub := &tcpSubscriber{handle: handle, id: frame.ID, conn: conn}

	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.subs[handle] = sub
	t.mu.Unlock()

	if t.presence != nil {
		t.presence.Subscribe(ctx, frame.ID, handle)
	}
	t.logger.Debug("subscriber registered", "minion", frame.ID, "remote", conn.RemoteAddr())

	// Block until the peer hangs up. Subscribers never send past the
	// subscribe frame, so any read completion means the connection is done.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
	t.dropSubscriber(ctx, sub)
}

func (t *TCPPubTransport) dropSubscriber(ctx context.Context, sub *tcpSubscriber) {
	t.mu.Lock()
	_, present := t.subs[sub.handle]
	delete(t.subs, sub.handle)
	t.mu.Unlock()

	sub.conn.Close()
	if present && t.presence != nil {
		t.presence.Unsubscribe(ctx, sub.id, sub.handle)
	}
}

// Publish fans the framed message out to matching subscribers. An empty
// topic list broadcasts. Write failures drop the subscriber rather than
// stall the publish path.
func (t *TCPPubTransport) Publish(ctx context.Context, msg []byte) error {
	var frame structs.PublishMessage
	if err := structs.Decode(msg, &frame); err != nil {
		return fmt.Errorf("malformed publish message: %w", err)
	}

	var topics map[string]struct{}
	if len(frame.TopicList) > 0 {
		topics = make(map[string]struct{}, len(frame.TopicList))
		for _, id := range frame.TopicList {
			topics[id] = struct{}{}
		}
	}

	t.mu.RLock()
	targets := make([]*tcpSubscriber, 0, len(t.subs))
	for _, sub := range t.subs {
		if topics != nil {
			if _, ok := topics[sub.id]; !ok {
				continue
			}
		}
		targets = append(targets, sub)
	}
	t.mu.RUnlock()

	for _, sub := range targets {
		if err := t.writeTo(sub, msg); err != nil {
			t.logger.Warn("dropping subscriber after failed publish write",
				"minion", sub.id, "error", err)
			t.dropSubscriber(ctx, sub)
		}
	}

	metrics.IncrCounter([]string{"brine", "transport", "publish"}, 1)
	return nil
}

func (t *TCPPubTransport) writeTo(sub *tcpSubscriber, msg []byte) error {
	sub.writeLock.Lock()
	defer sub.writeLock.Unlock()
	if t.timeout > 0 {
		sub.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	}
	return writeFrame(sub.conn, msg)
}

// Close stops the listener and disconnects every subscriber.
func (t *TCPPubTransport) Close() error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return nil
	}
	t.shutdown = true
	subs := make([]*tcpSubscriber, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[string]*tcpSubscriber)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.conn.Close()
	}
	return t.listener.Close()
}

// NumSubscribers returns the current subscriber connection count.
func (t *TCPPubTransport) NumSubscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

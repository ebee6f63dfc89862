package dispatch

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// quicConfig mirrors the teacher's transport.DialQUIC/ListenQUIC window
// tuning, carried over unchanged since WebRTC-scale chunk traffic has
// the same buffering needs here as it did there.
func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 60 * time.Second,
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
	}
}

// QUICChannel is a PeerChannel backed by one QUIC connection per peer,
// one stream per Dispatch call (stream framing: u32 length prefix, then
// the chunk payload). Grounded on the teacher's
// transport.QUICConnection/DialQUIC/ListenQUIC, simplified to a single
// data stream per send instead of the teacher's persistent control
// stream plus priority-scheduled data streams.
type QUICChannel struct {
	tlsConfig *tls.Config

	mu    sync.Mutex
	conns map[string]*quic.Conn // peer address -> live connection
	inbox chan []byte
	peers chan InboundFrame
}

// InboundFrame pairs a received payload with the remote address it
// arrived from, so a caller that needs peer attribution (the engine's
// IngestFrame, which keys reassembler/retry bookkeeping by peer) does
// not have to guess it.
type InboundFrame struct {
	Peer string
	Data []byte
}

// NewQUICChannel builds a QUICChannel that dials peers lazily on first
// Send and accepts inbound connections via Serve.
func NewQUICChannel(tlsConfig *tls.Config) *QUICChannel {
	return &QUICChannel{
		tlsConfig: tlsConfig,
		conns:     make(map[string]*quic.Conn),
		peers:     make(chan InboundFrame, 256),
		inbox:     make(chan []byte, 256),
	}
}

// Serve binds a QUIC listener on addr and returns once it is listening;
// inbound connections are then accepted in the background until ctx is
// cancelled, reading every stream's framed payload into the channel's
// inbox.
func (q *QUICChannel) Serve(ctx context.Context, addr string) error {
	ln, err := quic.ListenAddr(addr, q.tlsConfig, quicConfig())
	if err != nil {
		return fmt.Errorf("quic channel listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			go q.serveConn(ctx, conn)
		}
	}()
	return nil
}

func (q *QUICChannel) serveConn(ctx context.Context, conn *quic.Conn) {
	peer := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go q.readStream(peer, stream)
	}
}

func (q *QUICChannel) readStream(peer string, stream *quic.Stream) {
	defer stream.Close()
	var lenBuf [4]byte
	if _, err := io.ReadFull(stream, lenBuf[:]); err != nil {
		return
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(stream, payload); err != nil {
		return
	}
	q.inbox <- payload
	q.peers <- InboundFrame{Peer: peer, Data: payload}
}

// dial returns a cached connection to peerAddr, establishing one if
// necessary.
func (q *QUICChannel) dial(ctx context.Context, peerAddr string) (*quic.Conn, error) {
	q.mu.Lock()
	if conn, ok := q.conns[peerAddr]; ok {
		q.mu.Unlock()
		return conn, nil
	}
	q.mu.Unlock()

	conn, err := quic.DialAddr(ctx, peerAddr, q.tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic channel dial %s: %w", peerAddr, err)
	}
	q.mu.Lock()
	q.conns[peerAddr] = conn
	q.mu.Unlock()
	return conn, nil
}

// Send implements PeerChannel: dials (or reuses) a connection to peer,
// opens one stream, and writes the length-prefixed payload.
func (q *QUICChannel) Send(ctx context.Context, peer string, data []byte, deadline time.Time) (Outcome, error) {
	conn, err := q.dial(ctx, peer)
	if err != nil {
		return Outcome{Success: false, Err: err}, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return Outcome{Success: false, Err: err}, err
	}
	defer stream.Close()
	if !deadline.IsZero() {
		_ = stream.SetWriteDeadline(deadline)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := stream.Write(lenBuf[:]); err != nil {
		return Outcome{Success: false, Err: err}, err
	}
	if _, err := stream.Write(data); err != nil {
		return Outcome{Success: false, Err: err}, err
	}
	return Outcome{Success: true}, nil
}

// Recv implements PeerChannel.
func (q *QUICChannel) Recv() (<-chan []byte, error) {
	return q.inbox, nil
}

// InboundFrames returns every received payload paired with the remote
// address it arrived from, for callers (the station daemon) that must
// attribute an ingested frame to a peer rather than just the PeerChannel
// interface's bare byte stream.
func (q *QUICChannel) InboundFrames() (<-chan InboundFrame, error) {
	return q.peers, nil
}

// Reachability implements PeerChannel: a peer with a live cached
// connection is Direct; otherwise callers must attempt a dial to learn
// more (reported Unknown rather than Unreachable, since we have not
// tried).
func (q *QUICChannel) Reachability(peer string) Reachability {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.conns[peer]; ok {
		return ReachabilityDirect
	}
	return ReachabilityUnknown
}

// Close tears down every cached connection.
func (q *QUICChannel) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for addr, conn := range q.conns {
		conn.CloseWithError(0, "dispatcher closing")
		delete(q.conns, addr)
	}
	return nil
}

// Package framing implements the connectionless datagram server loop that
// authenticated-encrypts/decrypts message bodies and hands verified
// plaintexts to the wire bridge. It owns the socket, the worker pool, and
// the AEAD construction; the core never sees ciphertext.
package framing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

// Bridge is the contract framing requires of the core. It is satisfied by
// *bridge.Bridge; declared locally so this package does not import the
// core's internal packages directly.
type Bridge interface {
	MessagePrefixLength() int
	MinBodyLength() int
	KeyForPrefix(prefixBytes []byte) ([32]byte, error)
	Execute(plaintextBody, prefixBytes []byte) ([]byte, error)
}

// maxDatagramSize bounds a single UDP read; the store is built for small
// binary blobs, so 64KiB is generously oversized rather than tuned.
const maxDatagramSize = 65535

// Server is a UDP datagram server: one goroutine reads packets off the
// socket and fans work out to a fixed pool of workers, each of which
// decrypts, executes, encrypts, and replies.
type Server struct {
	bridge Bridge
	log    *zap.SugaredLogger
	conn   net.PacketConn

	workers int

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithWorkers overrides the default worker pool size.
func WithWorkers(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.workers = n
		}
	}
}

// NewServer builds a Server bound to addr (e.g. ":9000") that routes
// verified plaintext bodies through bridge, logging with log.
func NewServer(addr string, bridge Bridge, log *zap.SugaredLogger, opts ...Option) (*Server, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}

	s := &Server{
		bridge:  bridge,
		log:     log,
		conn:    conn,
		workers: 8,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// packet is one received datagram queued for a worker.
type packet struct {
	data []byte
	addr net.Addr
}

// Run starts the worker pool and the receive loop. It blocks until ctx is
// canceled or the underlying socket errors, then drains the workers before
// returning.
func (s *Server) Run(ctx context.Context) error {
	queue := make(chan packet, s.workers*4)

	s.wg.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		go s.worker(queue)
	}

	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	var loopErr error
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				loopErr = nil
			} else {
				loopErr = fmt.Errorf("read udp packet: %w", err)
			}
			break
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case queue <- packet{data: data, addr: addr}:
		case <-ctx.Done():
		}
	}

	close(queue)
	close(s.done)
	s.wg.Wait()
	return loopErr
}

func (s *Server) worker(queue <-chan packet) {
	defer s.wg.Done()
	for pkt := range queue {
		reply, err := s.handle(pkt.data)
		if err != nil {
			s.log.Debugw("request failed", "peer", pkt.addr, "err", err)
			continue
		}
		if _, err := s.conn.WriteTo(reply, pkt.addr); err != nil {
			s.log.Warnw("reply write failed", "peer", pkt.addr, "err", err)
		}
	}
}

// ErrDatagramTooShort is returned when a datagram is too small to contain
// the bridge's prefix, an AEAD nonce and tag, and its minimum body.
var ErrDatagramTooShort = errors.New("framing: datagram too short")

// handle implements the one authenticated round trip: peel the prefix,
// resolve the key, open the AEAD box, run the plaintext against the
// bridge, then seal the reply under the same key.
func (s *Server) handle(datagram []byte) ([]byte, error) {
	prefixLen := s.bridge.MessagePrefixLength()
	if len(datagram) < prefixLen+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrDatagramTooShort
	}

	prefix := datagram[:prefixLen]
	rest := datagram[prefixLen:]

	key, err := s.bridge.KeyForPrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("resolve key: %w", err)
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("build aead: %w", err)
	}

	nonce := rest[:chacha20poly1305.NonceSize]
	ciphertext := rest[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, prefix)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	if len(plaintext) < s.bridge.MinBodyLength() {
		return nil, fmt.Errorf("plaintext body length %d: %w", len(plaintext), ErrDatagramTooShort)
	}

	replyBody, err := s.bridge.Execute(plaintext, prefix)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	replyNonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(replyNonce); err != nil {
		return nil, fmt.Errorf("generate reply nonce: %w", err)
	}
	sealed := aead.Seal(nil, replyNonce, replyBody, prefix)
	return append(replyNonce, sealed...), nil
}

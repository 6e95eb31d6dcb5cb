package channel

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"walletbridge/go-backend/internal/bridge/protocol"
	"walletbridge/go-backend/internal/nativemsg"
)

// DefaultAddr is the mediator's socket endpoint when none is configured.
const DefaultAddr = "/ip4/127.0.0.1/tcp/8790"

const (
	handshakeTimeout     = 5 * time.Second
	replyTooLargeMessage = "response too large"
)

// ErrRequestTooLarge reports a request the client refused to frame. The
// connection and every other call on it are unaffected.
var ErrRequestTooLarge = errors.New("bridge request too large")

// hello opens every connection. The server closes connections whose
// token does not match.
type hello struct {
	Token string `json:"token"`
}

// frame is one native-messaging frame on the socket. Seq is the client's
// call number and is the only correlation used on this transport.
type frame struct {
	Seq      uint64                 `json:"seq"`
	Hello    *hello                 `json:"hello,omitempty"`
	Sender   *protocol.Sender       `json:"sender,omitempty"`
	Request  *protocol.WireRequest  `json:"request,omitempty"`
	Response *protocol.WireResponse `json:"response,omitempty"`
}

// ParseAddr parses a multiaddr endpoint such as /ip4/127.0.0.1/tcp/8790 or
// /unix/run/wallet.sock.
func ParseAddr(raw string) (ma.Multiaddr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultAddr
	}
	addr, err := ma.NewMultiaddr(raw)
	if err != nil {
		return nil, fmt.Errorf("parse bridge address %q: %w", raw, err)
	}
	return addr, nil
}

// Listen opens the mediator endpoint. A unix socket is restricted to its
// owner.
func Listen(raw string) (manet.Listener, error) {
	addr, err := ParseAddr(raw)
	if err != nil {
		return nil, err
	}
	l, err := manet.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if path, err := addr.ValueForProtocol(ma.P_UNIX); err == nil {
		if err := os.Chmod(path, 0o600); err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("restrict %s: %w", path, err)
		}
	}
	return l, nil
}

type ServerOption func(*Server)

// RequireToken makes the server close every connection whose hello does
// not carry token.
func RequireToken(token string) ServerOption {
	return func(s *Server) { s.token = []byte(token) }
}

// WithConcurrency bounds in-flight requests server-wide and per
// connection. Requests over the bound are answered at once with
// Unavailable. Zero keeps the default.
func WithConcurrency(global, perConn int) ServerOption {
	return func(s *Server) { s.limits = newInflightLimiter(global, perConn) }
}

// Server serves a Handler over accepted socket connections.
type Server struct {
	handler Handler
	logger  *slog.Logger
	token   []byte
	limits  *inflightLimiter
	connSeq atomic.Uint64
	wg      sync.WaitGroup
}

func NewServer(h Handler, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{handler: h, logger: logger.With("component", "bridge_server")}
	for _, opt := range opts {
		opt(s)
	}
	if s.limits == nil {
		s.limits = newInflightLimiter(0, 0)
	}
	return s
}

// Serve accepts connections until ctx ends or the listener fails. Requests
// on one connection are handled concurrently; in-flight handlers finish
// even when their connection goes away.
func (s *Server) Serve(ctx context.Context, l manet.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		id := s.connSeq.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn, id)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, id uint64) {
	defer conn.Close()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-finished:
		}
	}()

	if !s.handshake(conn) {
		return
	}

	var writeMu sync.Mutex
	var calls sync.WaitGroup
	defer calls.Wait()
	for {
		var in frame
		if err := nativemsg.Decode(conn, &in); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("bridge connection closed", "error", err.Error())
			}
			return
		}
		if in.Request == nil {
			continue
		}
		release, ok := s.limits.acquire(id)
		if !ok {
			busy := protocol.WireFromOutcome(protocol.Fail(protocol.KindUnavailable, protocol.RateLimitedMessage))
			s.reply(conn, &writeMu, in.Seq, busy)
			continue
		}
		sender := protocol.Sender{}
		if in.Sender != nil {
			sender = *in.Sender
		}
		calls.Add(1)
		go func(seq uint64, req protocol.WireRequest) {
			defer calls.Done()
			defer release()
			resp := s.handler.HandleMessage(context.WithoutCancel(ctx), sender, req)
			s.reply(conn, &writeMu, seq, resp)
		}(in.Seq, *in.Request)
	}
}

func (s *Server) handshake(conn net.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var in frame
	err := nativemsg.Decode(conn, &in)
	_ = conn.SetReadDeadline(time.Time{})
	switch {
	case err != nil || in.Hello == nil:
		s.logger.Warn("bridge client rejected", "operation", "channel.handshake", "reason", "missing hello")
		return false
	case len(s.token) > 0 && subtle.ConstantTimeCompare([]byte(in.Hello.Token), s.token) != 1:
		s.logger.Warn("bridge client rejected", "operation", "channel.handshake", "reason", "bad token")
		return false
	}
	return true
}

// reply writes resp for seq. A reply that cannot be framed is replaced by
// a small failure so the caller is never left waiting.
func (s *Server) reply(conn net.Conn, writeMu *sync.Mutex, seq uint64, resp protocol.WireResponse) {
	buf, err := nativemsg.Encode(frame{Seq: seq, Response: &resp})
	if err != nil {
		s.logger.Warn("bridge reply not encodable", "operation", "channel.reply", "seq", seq, "error", err.Error())
		msg := ""
		if errors.Is(err, nativemsg.ErrTooLarge) {
			msg = replyTooLargeMessage
		}
		failed := protocol.WireFromOutcome(protocol.Fail(protocol.KindExecutionFailed, msg))
		if buf, err = nativemsg.Encode(frame{Seq: seq, Response: &failed}); err != nil {
			return
		}
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if _, err := conn.Write(buf); err != nil {
		s.logger.Debug("bridge reply dropped", "seq", seq, "error", err.Error())
	}
}

type ClientOption func(*Client)

// WithToken sets the token sent in the hello of every connection.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// Client is the relay side of the socket transport. It dials lazily,
// multiplexes calls over one connection and, when the connection drops,
// fails every in-flight call with ErrClosed and redials on the next send.
type Client struct {
	addr   ma.Multiaddr
	token  string
	dialer manet.Dialer

	mu      sync.Mutex
	session *session
	seq     uint64
	closed  bool
}

type session struct {
	conn    net.Conn
	writeMu sync.Mutex
	pending map[uint64]chan protocol.WireResponse
	dead    bool
}

func NewClient(raw string, opts ...ClientOption) (*Client, error) {
	addr, err := ParseAddr(raw)
	if err != nil {
		return nil, err
	}
	c := &Client{addr: addr}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) SendMessage(ctx context.Context, sender protocol.Sender, req protocol.WireRequest) (protocol.WireResponse, error) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	// Framing first: an oversized request fails alone instead of tearing
	// down the connection other calls share.
	buf, err := nativemsg.Encode(frame{Seq: seq, Sender: &sender, Request: &req})
	if err != nil {
		if errors.Is(err, nativemsg.ErrTooLarge) {
			return protocol.WireResponse{}, fmt.Errorf("%w: %v", ErrRequestTooLarge, err)
		}
		return protocol.WireResponse{}, err
	}

	sess, err := c.connect(ctx)
	if err != nil {
		return protocol.WireResponse{}, err
	}

	c.mu.Lock()
	if sess.dead {
		c.mu.Unlock()
		return protocol.WireResponse{}, ErrClosed
	}
	reply := make(chan protocol.WireResponse, 1)
	sess.pending[seq] = reply
	c.mu.Unlock()

	sess.writeMu.Lock()
	_, err = sess.conn.Write(buf)
	sess.writeMu.Unlock()
	if err != nil {
		c.drop(sess)
		return protocol.WireResponse{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return protocol.WireResponse{}, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(sess.pending, seq)
		c.mu.Unlock()
		return protocol.WireResponse{}, ctx.Err()
	}
}

// Close drops the connection and refuses further sends.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	sess := c.session
	c.mu.Unlock()
	if sess != nil {
		c.drop(sess)
	}
	return nil
}

func (c *Client) connect(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.session != nil && !c.session.dead {
		return c.session, nil
	}
	conn, err := c.dialer.DialContext(ctx, c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if err := nativemsg.Write(conn, frame{Hello: &hello{Token: c.token}}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	sess := &session{conn: conn, pending: make(map[uint64]chan protocol.WireResponse)}
	c.session = sess
	go c.readLoop(sess)
	return sess, nil
}

func (c *Client) readLoop(sess *session) {
	for {
		var in frame
		if err := nativemsg.Decode(sess.conn, &in); err != nil {
			c.drop(sess)
			return
		}
		if in.Response == nil {
			continue
		}
		c.mu.Lock()
		reply, ok := sess.pending[in.Seq]
		delete(sess.pending, in.Seq)
		c.mu.Unlock()
		if ok {
			reply <- *in.Response
		}
	}
}

func (c *Client) drop(sess *session) {
	c.mu.Lock()
	if sess.dead {
		c.mu.Unlock()
		return
	}
	sess.dead = true
	pending := sess.pending
	sess.pending = make(map[uint64]chan protocol.WireResponse)
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()

	_ = sess.conn.Close()
	for _, reply := range pending {
		close(reply)
	}
}

// Package connector keeps AMI sessions to Asterisk systems alive and
// multiplexes requests and events over them.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-monitor/internal/ami"
	"github.com/sweeney/asterisk-monitor/internal/telemetry"
	"github.com/sweeney/asterisk-monitor/internal/workerpool"
)

// State is the connection state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateLoggingIn
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLoggingIn:
		return "logging_in"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

var (
	errConnect = errors.New("connect failed")
	errLogin   = errors.New("login failed")
	errReset   = errors.New("session reset")
)

// DialFunc opens the transport connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option configures a Session.
type Option func(*Session)

// WithDialer replaces the TCP dialer.
func WithDialer(d DialFunc) Option {
	return func(s *Session) { s.dial = d }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithPool runs deferred post-login work on a shared pool.
func WithPool(p *workerpool.Pool) Option {
	return func(s *Session) { s.pool = p }
}

// link is one live transport connection.
type link struct {
	conn net.Conn
	done chan struct{}
	once sync.Once
}

func newLink(conn net.Conn) *link {
	return &link{conn: conn, done: make(chan struct{})}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// Session is a persistent AMI connection to one system.
type Session struct {
	cfg     Config
	log     zerolog.Logger
	dial    DialFunc
	pool    *workerpool.Pool
	ownPool bool

	events    ami.Dispatcher
	telemetry *telemetry.Aggregator

	state          atomic.Int32
	ready          atomic.Bool
	resetRequested atomic.Bool
	wake           chan struct{}

	connMu sync.Mutex
	link   *link
	peerIP string

	writeMu sync.Mutex

	requestMu sync.Mutex
	nextID    atomic.Int64
	activeID  atomic.Int64
	pendingMu sync.Mutex
	pending   chan *ami.Message

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
}

// New creates a session. Call Start to begin connecting.
func New(cfg Config, opts ...Option) *Session {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		log:       zerolog.Nop(),
		telemetry: telemetry.NewAggregator(),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dial == nil {
		d := &net.Dialer{}
		s.dial = d.DialContext
	}
	if s.pool == nil {
		s.pool = workerpool.New(1)
		s.ownPool = true
	}
	s.log = s.log.With().Str("system", cfg.Name).Logger()
	return s
}

// Name returns the configured system name.
func (s *Session) Name() string { return s.cfg.Name }

// Addr returns the AMI address.
func (s *Session) Addr() string { return s.cfg.Addr() }

// State returns the current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// IsReady reports whether the session is logged in and accepting requests.
func (s *Session) IsReady() bool { return s.ready.Load() }

// PeerIP returns the IP address of the connected server, or the configured
// host if no connection was made yet.
func (s *Session) PeerIP() string {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.peerIP != "" {
		return s.peerIP
	}
	return s.cfg.Host
}

// Telemetry returns the session's telemetry aggregator.
func (s *Session) Telemetry() *telemetry.Aggregator { return s.telemetry }

// AddEventListener registers l for every event received on this session.
func (s *Session) AddEventListener(l ami.Listener) { s.events.Register(l) }

// RemoveEventListener unregisters l.
func (s *Session) RemoveEventListener(l ami.Listener) { s.events.Unregister(l) }

// GetPeerEventCounters returns hangup counters for peer, or the global
// counters for an empty name.
func (s *Session) GetPeerEventCounters(peer string) (telemetry.EventCounters, bool) {
	return s.telemetry.GetPeerCounters(peer)
}

// GetPeerRTCPStatistic returns the smoothed RTCP statistic for peer.
func (s *Session) GetPeerRTCPStatistic(peer string) (telemetry.RTCPStatistic, bool) {
	return s.telemetry.GetPeerStatistic(peer)
}

// Start launches the connection goroutine. It is a no-op if already started.
func (s *Session) Start() {
	if s.started.Swap(true) {
		return
	}
	go s.run()
}

// Stop shuts the session down and waits for the connection goroutine.
func (s *Session) Stop(ctx context.Context) error {
	s.cancel()
	s.closeLink()
	defer func() {
		if s.ownPool {
			s.pool.Close()
		}
	}()
	if !s.started.Load() {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping %s: %w", s.cfg.Name, ctx.Err())
	}
}

// Reset drops the current connection. The session reconnects immediately.
// Requests waiting for a response are released with ErrNotReady.
func (s *Session) Reset() {
	s.resetRequested.Store(true)
	s.ready.Store(false)
	s.closeLink()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) closeLink() {
	s.connMu.Lock()
	l := s.link
	s.connMu.Unlock()
	if l != nil {
		l.close()
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
		default:
		}

		err := s.serve(s.ctx)
		s.disconnect()
		if s.ctx.Err() != nil {
			s.log.Info().Msg("session stopped")
			return
		}

		delay := s.cfg.RetryDelay
		switch {
		case s.resetRequested.Swap(false):
			delay = 0
			s.log.Info().Msg("session reset, reconnecting")
		case errors.Is(err, errConnect), errors.Is(err, errLogin):
			delay = s.cfg.ReconnectInterval
			s.log.Warn().Err(err).Dur("retry_in", delay).Msg("cannot establish AMI session")
		default:
			s.log.Info().Err(err).Dur("retry_in", delay).Msg("AMI session closed")
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-s.wake:
				timer.Stop()
				s.resetRequested.Store(false)
			case <-s.ctx.Done():
				timer.Stop()
				s.log.Info().Msg("session stopped")
				return
			}
		}
	}
}

// serve runs one connection from dial to disconnect.
func (s *Session) serve(ctx context.Context) error {
	s.setState(StateConnecting)
	s.log.Debug().Str("addr", s.cfg.Addr()).Msg("connecting to AMI")

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, err := s.dial(dialCtx, "tcp", s.cfg.Addr())
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %w", errConnect, err)
	}

	l := newLink(conn)
	s.connMu.Lock()
	s.link = l
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		s.peerIP = addr.IP.String()
	}
	s.connMu.Unlock()
	if ctx.Err() != nil {
		return nil
	}

	s.setState(StateLoggingIn)
	login := ami.NewAction("Login", "Username", s.cfg.Username, "Secret", s.cfg.Secret)
	login.ID = ami.LoginID
	if err := s.writeTo(l, login); err != nil {
		return fmt.Errorf("%w: sending login: %w", errConnect, err)
	}
	loginDeadline := time.Now().Add(s.cfg.ConnectTimeout)

	parser := ami.NewParser()
	buf := make([]byte, 8192)
	discarded := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.resetRequested.Load() {
			return errReset
		}
		if !s.ready.Load() && time.Now().After(loginDeadline) {
			return fmt.Errorf("%w: no response from server", errLogin)
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval))
		n, err := conn.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
			for {
				msg, ok := parser.Next()
				if !ok {
					break
				}
				if err := s.handle(msg); err != nil {
					return err
				}
			}
			if d := parser.Discarded(); d > discarded {
				s.log.Warn().Int("bytes", d-discarded).Msg("discarded oversized message")
				discarded = d
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				return errors.New("connection closed by server")
			}
			return fmt.Errorf("reading from AMI: %w", err)
		}
	}
}

// handle classifies one incoming message.
func (s *Session) handle(msg *ami.Message) error {
	switch msg.Kind {
	case ami.KindResponse:
		if msg.ID == ami.LoginID {
			if !msg.IsSuccess() {
				return fmt.Errorf("%w: %s", errLogin, msg.Get("Message"))
			}
			if !s.ready.Load() {
				s.onLogin()
			}
			return nil
		}
		s.deliver(msg)
	case ami.KindEvent:
		s.events.Dispatch(msg)
		s.telemetry.Process(msg)
	}
	return nil
}

func (s *Session) onLogin() {
	s.ready.Store(true)
	s.setState(StateReady)
	s.log.Info().Str("addr", s.cfg.Addr()).Msg("AMI session ready")

	err := s.pool.Submit(s.ctx, s.configureEvents)
	if err != nil {
		s.log.Warn().Err(err).Msg("cannot schedule event setup")
	}
}

// deliver hands a response to the waiting request if the ids match.
func (s *Session) deliver(msg *ami.Message) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pending == nil || msg.ID != s.activeID.Load() {
		s.log.Debug().Int64("id", msg.ID).Str("response", msg.Subtype).Msg("dropping unmatched response")
		return
	}
	s.pending <- msg
	s.pending = nil
}

func (s *Session) disconnect() {
	s.ready.Store(false)
	s.setState(StateDisconnected)
	s.connMu.Lock()
	l := s.link
	s.link = nil
	s.connMu.Unlock()
	if l != nil {
		l.close()
	}
}

func (s *Session) currentLink() *link {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.link
}

func (s *Session) writeTo(l *link, msg *ami.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout))
	_, err := l.conn.Write(ami.Serialize(msg))
	return err
}

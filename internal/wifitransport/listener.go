// Package wifitransport realizes the Wi-Fi transport adapter: a
// host-side TCP (optionally TLS) listener whose accept loop creates one
// Session at a time and atomically replaces any current one, since a
// Wi-Fi mirroring listener serves exactly one active peer rather than a
// broadcast set of clients.
package wifitransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fenglingyubing/expandscreen-host/internal/discovery"
	"github.com/fenglingyubing/expandscreen-host/internal/iface"
	"github.com/fenglingyubing/expandscreen-host/internal/logging"
	"github.com/fenglingyubing/expandscreen-host/internal/pairing"
	"github.com/fenglingyubing/expandscreen-host/internal/session"
)

// FirewallRuleName is the well-known rule name the optional firewall
// helper installs for the listener's TCP port.
const FirewallRuleName = "ExpandScreenHost"

// Config holds the Wi-Fi listener's tunables.
type Config struct {
	Port               int // 0 = ephemeral
	TLSEnabled         bool
	AdvertiseDiscovery bool
	ServerID           string
	ServerName         string
	ServerVersion      string
}

// SessionFactory builds a fresh, not-yet-attached Session wrapping conn.
// The caller wires touch/feedback sinks and the bitrate controller into
// the Config it passes to session.New before returning it here.
type SessionFactory func(conn net.Conn) *session.Session

// Listener accepts Wi-Fi peers and maintains at most one live Session.
type Listener struct {
	cfg        Config
	pairingMgr *pairing.Manager // nil disables TLS regardless of cfg.TLSEnabled
	newSession SessionFactory
	firewall   iface.FirewallHelper // optional
	log        *slog.Logger

	mu      sync.Mutex
	ln      net.Listener
	current *session.Session
	port    int
	resp    *discovery.Responder
}

// New constructs a Listener. pairingMgr and firewall may be nil.
func New(cfg Config, pairingMgr *pairing.Manager, firewall iface.FirewallHelper, newSession SessionFactory) *Listener {
	return &Listener{
		cfg:        cfg,
		pairingMgr: pairingMgr,
		firewall:   firewall,
		newSession: newSession,
		log:        logging.L(),
	}
}

// Port returns the bound TCP port; valid only after Serve has started
// listening (observable via a successful return from Serve's setup, or
// by polling once Serve is running in its own goroutine).
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// Serve binds the listener, optionally installs a firewall rule and
// starts the discovery responder, then runs the accept loop until ctx is
// canceled.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.cfg.Port))
	if err != nil {
		return fmt.Errorf("wifitransport: listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	l.mu.Lock()
	l.ln = ln
	l.port = port
	l.mu.Unlock()

	if l.firewall != nil {
		if err := l.firewall.TryEnsureRule(FirewallRuleName, port, "tcp"); err != nil {
			l.log.Warn("firewall_rule_failed", "port", port, "error", err)
		}
	}

	if l.cfg.AdvertiseDiscovery {
		resp, err := discovery.Listen(fmt.Sprintf(":%d", discovery.DefaultPort), discovery.ServerInfo{
			ServerID:      l.cfg.ServerID,
			ServerName:    l.cfg.ServerName,
			TCPPort:       port,
			ServerVersion: l.cfg.ServerVersion,
		})
		if err != nil {
			l.log.Warn("discovery_listen_failed", "error", err)
		} else {
			l.mu.Lock()
			l.resp = resp
			l.mu.Unlock()
			go func() {
				if err := resp.Serve(ctx); err != nil {
					l.log.Warn("discovery_serve_error", "error", err)
				}
			}()
		}
	}

	l.log.Info("wifi_listen", "port", port)
	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(200 * time.Millisecond)
				continue
			}
			l.log.Warn("wifi_accept_error", "error", err)
			continue
		}
		l.handleAccept(ctx, conn)
	}
}

func (l *Listener) handleAccept(ctx context.Context, conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
	}

	var stream net.Conn = conn
	if l.cfg.TLSEnabled && l.pairingMgr != nil {
		tlsConn, err := pairing.WrapServer(ctx, conn, l.pairingMgr)
		if err != nil {
			l.log.Warn("wifi_tls_handshake_failed", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
		stream = tlsConn
	}

	sess := l.newSession(stream)
	l.replaceCurrent(ctx, sess)
}

// replaceCurrent swaps the new Session in as the current one under the
// lock, then closes the previous Session (and its connection) outside
// the lock before attaching the new one.
func (l *Listener) replaceCurrent(ctx context.Context, sess *session.Session) {
	l.mu.Lock()
	prev := l.current
	l.current = sess
	l.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	sess.Attach(ctx)
}

// Current returns the currently active Session, if any.
func (l *Listener) Current() (*session.Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current, l.current != nil
}

// Shutdown closes the listener, the discovery responder, and the current
// session.
func (l *Listener) Shutdown() error {
	l.mu.Lock()
	ln := l.ln
	resp := l.resp
	cur := l.current
	l.current = nil
	l.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	if resp != nil {
		_ = resp.Close()
	}
	if cur != nil {
		cur.Close()
	}
	return err
}

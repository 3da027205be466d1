// Package discovery implements the LAN discovery responder: a UDP
// request/response name service, plus a supplementary mDNS advertisement.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"

	"github.com/fenglingyubing/expandscreen-host/internal/logging"
	"github.com/fenglingyubing/expandscreen-host/internal/metrics"
)

// DefaultPort is the well-known UDP port discovery binds to.
const DefaultPort = 15556

const (
	typeDiscoveryRequest  = "DiscoveryRequest"
	typeDiscoveryResponse = "DiscoveryResponse"
)

// Request mirrors wire.DiscoveryRequest, decoupled from the wire package
// since discovery runs over a bare UDP socket, not the framed protocol.
type Request struct {
	MessageType      string `json:"message_type"`
	RequestID        string `json:"request_id"`
	ClientDeviceID   string `json:"client_device_id,omitempty"`
	ClientDeviceName string `json:"client_device_name,omitempty"`
}

// Response mirrors wire.DiscoveryResponse.
type Response struct {
	MessageType        string `json:"message_type"`
	RequestID          string `json:"request_id"`
	ServerID           string `json:"server_id"`
	ServerName         string `json:"server_name"`
	TCPPort            int    `json:"tcp_port"`
	WebsocketSupported bool   `json:"websocket_supported"`
	ServerVersion      string `json:"server_version"`
}

// ServerInfo is the static identity the responder advertises.
type ServerInfo struct {
	ServerID      string
	ServerName    string
	TCPPort       int
	ServerVersion string
}

const maxDatagramSize = 2048

// Responder answers DiscoveryRequest datagrams with a DiscoveryResponse
// advertising this host.
type Responder struct {
	conn *net.UDPConn
	info ServerInfo
}

// Listen opens the discovery UDP socket on addr (use ":15556" for the
// default port on all interfaces) with REUSEADDR/BROADCAST set before
// bind, and returns a Responder ready to Serve.
func Listen(addr string, info ServerInfo) (*Responder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := listenUDPWithSockopts(udpAddr)
	if err != nil {
		return nil, err
	}
	return &Responder{conn: conn, info: info}, nil
}

// Close releases the underlying socket.
func (r *Responder) Close() error { return r.conn.Close() }

// Serve runs the blocking receive loop until ctx is canceled. Any socket
// error is logged and the loop continues; only ctx cancellation exits it
// cleanly.
func (r *Responder) Serve(ctx context.Context) error {
	log := logging.L().With("component", "discovery")
	go func() {
		<-ctx.Done()
		_ = r.conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, peer, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn("discovery read error", "error", err)
			continue
		}
		r.handleDatagram(log, buf[:n], peer)
	}
}

func (r *Responder) handleDatagram(log *slog.Logger, data []byte, peer *net.UDPAddr) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if req.MessageType != typeDiscoveryRequest {
		// Absent or mismatched literal message_type: silently drop.
		return
	}
	metrics.IncDiscoveryRequest()
	resp := Response{
		MessageType:        typeDiscoveryResponse,
		RequestID:          req.RequestID,
		ServerID:           r.info.ServerID,
		ServerName:         r.info.ServerName,
		TCPPort:            r.info.TCPPort,
		WebsocketSupported: false,
		ServerVersion:      r.info.ServerVersion,
	}
	out, err := json.Marshal(resp)
	if err != nil {
		log.Warn("discovery encode response failed", "error", err)
		return
	}
	if _, err := r.conn.WriteToUDP(out, peer); err != nil {
		log.Warn("discovery write response failed", "peer", peer.String(), "error", err)
	}
}

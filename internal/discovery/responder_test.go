package discovery

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func TestResponderRepliesToValidRequest(t *testing.T) {
	r, err := Listen("127.0.0.1:0", ServerInfo{
		ServerID: "srv-1", ServerName: "host-a", TCPPort: 9100, ServerVersion: "1.0.0",
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Serve(ctx)

	client, err := net.DialUDP("udp4", nil, r.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	req := Request{MessageType: typeDiscoveryRequest, RequestID: "req-1"}
	payload, _ := json.Marshal(req)
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write request: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, maxDatagramSize)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.MessageType != typeDiscoveryResponse {
		t.Fatalf("expected DiscoveryResponse, got %q", resp.MessageType)
	}
	if resp.RequestID != "req-1" {
		t.Fatalf("expected echoed request id, got %q", resp.RequestID)
	}
	if resp.ServerID != "srv-1" || resp.TCPPort != 9100 {
		t.Fatalf("unexpected response fields: %+v", resp)
	}
	if resp.WebsocketSupported {
		t.Fatal("expected websocket_supported=false")
	}
}

func TestResponderSilentlyDropsMissingMessageType(t *testing.T) {
	r, err := Listen("127.0.0.1:0", ServerInfo{ServerID: "srv-1", TCPPort: 9100})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Serve(ctx)

	client, err := net.DialUDP("udp4", nil, r.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	payload, _ := json.Marshal(map[string]string{"request_id": "req-2"})
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, maxDatagramSize)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected no response for a request missing message_type")
	}
}

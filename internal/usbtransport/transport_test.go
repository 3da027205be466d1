package usbtransport

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fenglingyubing/expandscreen-host/internal/iface"
)

type fakeRunner struct {
	deviceID     string
	forwardFails atomic.Bool
	forwardCalls atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, adbPath string, args []string) (iface.ADBResult, error) {
	if len(args) >= 2 && args[0] == "devices" {
		return iface.ADBResult{Success: true, Stdout: "List of devices attached\n" + f.deviceID + "\tdevice model:Test\n"}, nil
	}
	for _, a := range args {
		if a == "forward" {
			f.forwardCalls.Add(1)
			if f.forwardFails.Load() {
				return iface.ADBResult{Success: false}, nil
			}
			return iface.ADBResult{Success: true}, nil
		}
	}
	return iface.ADBResult{Success: true}, nil
}

func listenLoopback(t *testing.T) (port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				<-done
				c.Close()
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() { close(done); ln.Close() }
}

func TestTransportConnectEstablishesLoopbackStream(t *testing.T) {
	port, stop := listenLoopback(t)
	defer stop()

	runner := &fakeRunner{deviceID: "dev1"}
	tr := New(Config{ADBPath: "adb"}, runner, "dev1", port, 9999)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if tr.Status() != "Connected" {
		t.Fatalf("expected Connected, got %q", tr.Status())
	}
	if _, ok := tr.Stream(); !ok {
		t.Fatal("expected a live stream after connect")
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if tr.Status() != "Disconnected" {
		t.Fatalf("expected Disconnected after Disconnect, got %q", tr.Status())
	}
}

func TestTransportConnectRejectsUnauthorizedDevice(t *testing.T) {
	runner := &fakeRunner{deviceID: "other-device"}
	tr := New(Config{ADBPath: "adb"}, runner, "dev1", 0, 9999)

	err := tr.Connect(context.Background())
	if err != ErrDeviceNotAuthorized {
		t.Fatalf("expected ErrDeviceNotAuthorized, got %v", err)
	}
}

func TestTransportReconnectsAfterNotifyDead(t *testing.T) {
	port, stop := listenLoopback(t)
	defer stop()

	runner := &fakeRunner{deviceID: "dev1"}
	tr := New(Config{ADBPath: "adb", AutoReconnect: true, MaxReconnectAttempts: 3, ReconnectDelay: 10 * time.Millisecond}, runner, "dev1", port, 9999)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.NotifyDead()

	deadline := time.Now().Add(2 * time.Second)
	for tr.Status() != "Reconnected" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tr.Status() != "Reconnected" {
		t.Fatalf("expected Reconnected, got %q", tr.Status())
	}
	tr.Disconnect()
}

func TestTransportReconnectionFailsAfterMaxAttempts(t *testing.T) {
	port, stop := listenLoopback(t)
	defer stop()

	runner := &fakeRunner{deviceID: "dev1"}
	tr := New(Config{ADBPath: "adb", AutoReconnect: true, MaxReconnectAttempts: 2, ReconnectDelay: 5 * time.Millisecond}, runner, "dev1", port, 9999)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	runner.forwardFails.Store(true)
	tr.NotifyDead()

	deadline := time.Now().Add(2 * time.Second)
	for tr.Status() != "Reconnection failed" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tr.Status() != "Reconnection failed" {
		t.Fatalf("expected Reconnection failed, got %q", tr.Status())
	}
	tr.Disconnect()
}

//go:build windows

package discovery

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/windows"
)

// listenUDPWithSockopts is the Windows counterpart of the unix sockopts
// helper: the host application this package ships in runs on Windows, so
// this is the path exercised in production; sockopts_unix.go exists for
// development and CI on Linux/macOS.
func listenUDPWithSockopts(addr *net.UDPAddr) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				h := windows.Handle(fd)
				if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
					sockErr = err
					return
				}
				if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_BROADCAST, 1); err != nil {
					sockErr = err
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

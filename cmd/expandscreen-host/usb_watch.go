package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/fenglingyubing/expandscreen-host/internal/manager"
	"github.com/fenglingyubing/expandscreen-host/internal/usbtransport"
)

// watchUSBDevices polls `adb devices -l` on an interval and drives
// Manager.Connect/Disconnect to track which authorized devices currently
// have a session, over whatever devices are currently present.
func watchUSBDevices(ctx context.Context, cfg *appConfig, m *manager.Manager, l *slog.Logger) {
	runner := usbtransport.ExecADBRunner{}
	ticker := time.NewTicker(cfg.usbPollEvery)
	defer ticker.Stop()

	tracked := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := runner.Run(ctx, cfg.adbPath, []string{"devices", "-l"})
		if err != nil {
			l.Warn("adb_devices_failed", "error", err)
			continue
		}
		devices := usbtransport.ParseDevicesList(res.Stdout)

		present := make(map[string]struct{}, len(devices))
		for _, d := range devices {
			if d.Status != "device" {
				continue
			}
			present[d.ID] = struct{}{}
			if _, ok := tracked[d.ID]; ok {
				continue
			}
			tracked[d.ID] = struct{}{}
			go func(deviceID string) {
				result := m.Connect(ctx, deviceID)
				if !result.Success {
					l.Warn("usb_connect_failed", "device_id", deviceID, "error", result.ErrorMessage)
					return
				}
				l.Info("usb_connected", "device_id", deviceID, "degraded", result.UsedDegradedProfile, "local_port", result.Snapshot.LocalPort)
			}(d.ID)
		}

		for deviceID := range tracked {
			if _, ok := present[deviceID]; !ok {
				delete(tracked, deviceID)
				m.Disconnect(deviceID)
				l.Info("usb_device_removed", "device_id", deviceID)
			}
		}
	}
}

package usbtransport

import "strings"

// Device is one entry from `adb devices -l`.
type Device struct {
	ID       string
	Status   string // "device", "unauthorized", "offline", ...
	Metadata map[string]string
}

// ParseDevicesList parses `adb devices -l` output. Per SPEC_FULL's note:
// split by whitespace on each non-header line; first token is the device
// id, second is the status, later "key:value" tokens are captured as
// metadata, and any other trailing token is ignored.
func ParseDevicesList(output string) []Device {
	var devices []Device
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices attached") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d := Device{ID: fields[0], Status: fields[1], Metadata: make(map[string]string)}
		for _, tok := range fields[2:] {
			if k, v, ok := strings.Cut(tok, ":"); ok {
				d.Metadata[k] = v
			}
		}
		devices = append(devices, d)
	}
	return devices
}

// FindAuthorized looks up deviceID among the authorized ("device" status)
// entries of a parsed devices list.
func FindAuthorized(devices []Device, deviceID string) (Device, bool) {
	for _, d := range devices {
		if d.ID == deviceID && d.Status == "device" {
			return d, true
		}
	}
	return Device{}, false
}

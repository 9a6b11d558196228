package outswitch

import (
	"encoding/json"
	"fmt"
	"io"
)

// PrintDevices writes one "id: name" line per device
func PrintDevices(w io.Writer, devices []AudioDevice) error {
	for _, device := range devices {
		if _, err := fmt.Fprintf(w, "%s: %s\n", device.ID, device.Name); err != nil {
			return fmt.Errorf("write device line: %w", err)
		}
	}

	return nil
}

// PrintDevicesJSON writes the devices as an indented JSON array of {id, name} objects.
// no devices still yields a valid, empty array
func PrintDevicesJSON(w io.Writer, devices []AudioDevice) error {
	if devices == nil {
		devices = []AudioDevice{}
	}

	data, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal devices: %w", err)
	}

	if _, err := fmt.Fprintln(w, string(data)); err != nil {
		return fmt.Errorf("write devices: %w", err)
	}

	return nil
}

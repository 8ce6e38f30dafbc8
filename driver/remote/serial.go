//go:build !tinygo

package remote

import (
	"errors"
	"io"
	"runtime"
	"time"

	"github.com/tarm/serial"
)

// DefaultBaud is the line rate of the target's register server.
const DefaultBaud = 115200

// Open opens the serial line to a target. An empty dev tries the usual
// USB serial adapters of the platform.
func Open(dev string, baud int) (io.ReadWriteCloser, error) {
	if baud == 0 {
		baud = DefaultBaud
	}
	var devices []string
	if dev != "" {
		devices = append(devices, dev)
	} else {
		switch runtime.GOOS {
		case "windows":
			devices = append(devices, "COM3")
		case "linux":
			devices = append(devices, "/dev/ttyACM0", "/dev/ttyUSB0", "/dev/ttyUSB1")
		case "darwin":
			devices = append(devices, "/dev/cu.usbmodem1")
		}
	}
	if len(devices) == 0 {
		return nil, errors.New("remote: no device specified")
	}
	var firstErr error
	for _, dev := range devices {
		// A silent target ends the read instead of hanging the caller.
		c := &serial.Config{Name: dev, Baud: baud, ReadTimeout: 2 * time.Second}
		s, err := serial.OpenPort(c)
		if err == nil {
			return s, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

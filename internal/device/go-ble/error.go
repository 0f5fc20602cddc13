package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/musebridge/internal/device"
)

// errorPatterns maps lower-case fragments of go-ble and platform messages to sentinels.
// Order matters: the first match wins.
var errorPatterns = []struct {
	fragment string
	sentinel error
}{
	{"is bluetooth turned on", device.ErrBluetoothOff},
	{"bluetooth is turned off", device.ErrBluetoothOff},
	{"can't init hci", device.ErrBluetoothOff},
	{"no such device", device.ErrBluetoothOff},
	{"device already connected", device.ErrAlreadyConnected},
	{"device not connected", device.ErrNotConnected},
	{"disconnected", device.ErrNotConnected},
	{"connection is not initialized", device.ErrNotInitialized},
	{"timed out", device.ErrTimeout},
	{"not supported", device.ErrUnsupported},
}

// NormalizeError wraps known go-ble errors with the matching device sentinel.
// The original message is preserved; unknown errors and context errors are returned as is.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		if strings.Contains(msg, p.fragment) {
			return fmt.Errorf("%w: %v", p.sentinel, err)
		}
	}
	return err
}

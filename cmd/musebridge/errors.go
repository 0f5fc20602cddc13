package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/musebridge/discovery"
	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/session"
	"github.com/srg/musebridge/sink"
)

// FormatUserError turns an error chain into a message for the terminal.
// Known conditions get a hint; anything else is printed as is.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var nf *device.NotFoundError
	switch {
	case device.IsBluetoothOff(err), errors.Is(err, discovery.ErrAdapter):
		return fmt.Sprintf("%s\nHint: make sure Bluetooth is turned on and this program may use it", err)
	case errors.As(err, &nf), errors.Is(err, session.ErrServiceNotFound):
		return fmt.Sprintf("%s\nHint: the device does not look like a Muse headband", err)
	case errors.Is(err, session.ErrDeviceUnavailable):
		return fmt.Sprintf("%s\nHint: make sure the headband is switched on and in range", err)
	case errors.Is(err, sink.ErrSinkUnavailable):
		return fmt.Sprintf("%s\nHint: check that the stream consumer is reachable", err)
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("%s\nHint: the operation timed out, try moving closer to the device", err)
	}
	return strings.TrimSpace(err.Error())
}

package goble

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/musebridge/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want error
	}{
		{"macOS powered off", "central manager has invalid state: have=4 want=5: is Bluetooth turned on?", device.ErrBluetoothOff},
		{"hci init", "can't init hci: no devices available", device.ErrBluetoothOff},
		{"missing adapter", "open hci0: no such device", device.ErrBluetoothOff},
		{"not connected", "device not connected", device.ErrNotConnected},
		{"link dropped", "remote disconnected", device.ErrNotConnected},
		{"already connected", "device already connected", device.ErrAlreadyConnected},
		{"not initialized", "connection is not initialized", device.ErrNotInitialized},
		{"att timeout", "ATT request timed out", device.ErrTimeout},
		{"unsupported", "operation not supported by adapter", device.ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := errors.New(tt.msg)
			err := NormalizeError(original)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.msg, "original message MUST be preserved")
		})
	}
}

func TestNormalizeErrorPassthrough(t *testing.T) {
	assert.NoError(t, NormalizeError(nil))

	other := errors.New("att: insufficient authentication")
	assert.Same(t, other, NormalizeError(other))

	wrapped := fmt.Errorf("dial: %w", context.DeadlineExceeded)
	assert.Same(t, wrapped, NormalizeError(wrapped), "context errors MUST pass through")
}

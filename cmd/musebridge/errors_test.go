package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/srg/musebridge/discovery"
	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/session"
	"github.com/srg/musebridge/sink"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil", nil, ""},
		{"bluetooth off", fmt.Errorf("scan: %w", device.ErrBluetoothOff), "Bluetooth is turned on"},
		{"adapter", fmt.Errorf("%w: hci0 missing", discovery.ErrAdapter), "Bluetooth is turned on"},
		{"missing service", fmt.Errorf("%w: %w", session.ErrServiceNotFound,
			&device.NotFoundError{Resource: "service", UUIDs: []string{"fe8d"}}), "not look like a Muse"},
		{"unavailable", fmt.Errorf("%w: dial failed", session.ErrDeviceUnavailable), "switched on and in range"},
		{"sink", fmt.Errorf("%w: connection refused", sink.ErrSinkUnavailable), "stream consumer"},
		{"timeout", fmt.Errorf("stop watcher: %w", device.ErrTimeout), "timed out"},
		{"other", errors.New("  boom  "), "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatUserError(tt.err)
			if tt.err == nil {
				assert.Empty(t, got)
				return
			}
			assert.Contains(t, got, tt.contains)
		})
	}
}

func TestFormatUserErrorKeepsOriginalMessage(t *testing.T) {
	err := fmt.Errorf("%w: 00:55:DA:B0:12:34 is offline", session.ErrDeviceUnavailable)
	assert.Contains(t, FormatUserError(err), "00:55:DA:B0:12:34 is offline")
}

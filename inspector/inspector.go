package inspector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/muse"
)

// ProgressCallback is called when the inspection phase changes
type ProgressCallback func(phase string)

// InspectOptions defines options for inspecting a device profile
type InspectOptions struct {
	ConnectTimeout time.Duration
}

// InspectCallback processes a connected device and its discovered profile and produces output of type R
type InspectCallback[R any] func(conn device.Connection, profile []device.ServiceInfo) (R, error)

// InspectDevice connects to a device, discovers its profile, and executes the callback with the connection.
// The connection is closed when the callback returns.
func InspectDevice[R any](ctx context.Context, transport device.Transport, address string, opts *InspectOptions, logger *logrus.Logger, progressCallback ProgressCallback, callback InspectCallback[R]) (R, error) {
	var zero R
	if transport == nil {
		return zero, fmt.Errorf("transport is required")
	}
	if opts == nil {
		opts = &InspectOptions{ConnectTimeout: 30 * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	progressCallback("Connecting")
	conn, err := transport.Connect(ctx, address, opts.ConnectTimeout)
	if err != nil {
		progressCallback("Failed")
		return zero, err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.WithError(err).Error("failed to disconnect device")
		}
	}()

	progressCallback("Discovering services")
	profile, err := conn.DiscoverServices()
	if err != nil {
		progressCallback("Failed")
		return zero, err
	}

	progressCallback("Processing results")
	return callback(conn, profile)
}

// ChannelCheck reports whether one EEG data characteristic was found.
type ChannelCheck struct {
	Label   string
	UUID    string
	Present bool
	Notify  bool
}

// MuseReport summarizes how a device profile matches the Muse EEG layout.
type MuseReport struct {
	Address    string
	Services   []device.ServiceInfo
	HasService bool
	HasControl bool
	Channels   []ChannelCheck
}

// Streamable reports whether every characteristic needed to stream EEG is present.
func (r MuseReport) Streamable() bool {
	if !r.HasService || !r.HasControl {
		return false
	}
	for _, ch := range r.Channels {
		if !ch.Present || !ch.Notify {
			return false
		}
	}
	return true
}

// CheckMuseProfile compares a discovered profile against the Muse EEG service layout.
func CheckMuseProfile(address string, profile []device.ServiceInfo) MuseReport {
	report := MuseReport{Address: address, Services: profile}

	_, err := device.FindCharacteristic(profile, muse.ServiceUUID, muse.ControlUUID)
	var nf *device.NotFoundError
	switch {
	case err == nil:
		report.HasService = true
		report.HasControl = true
	case errors.As(err, &nf) && nf.Resource == "characteristic":
		report.HasService = true
	}

	for _, ch := range muse.Channels {
		check := ChannelCheck{Label: ch.Label, UUID: device.NormalizeUUID(ch.UUID)}
		if info, err := device.FindCharacteristic(profile, muse.ServiceUUID, ch.UUID); err == nil {
			check.Present = true
			check.Notify = info.Properties.Has(device.PropNotify) || info.Properties.Has(device.PropIndicate)
		}
		report.Channels = append(report.Channels, check)
	}
	return report
}

package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/musebridge/internal/device"
)

// DefaultConnectTimeout is used when Connect is called with a zero timeout
const DefaultConnectTimeout = 10 * time.Second

// Transport implements device.Transport on top of a single go-ble device.
// The HCI device is opened lazily and shared by the scanner and every connection,
// since Linux allows only one user of an HCI socket.
type Transport struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewTransport creates a transport. The adapter is not opened until first use.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return t.dev, nil
	}

	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to open BLE adapter")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	t.dev = dev
	return dev, nil
}

// NewScanner creates a device.Scanner instance for BLE scanning operations.
func (t *Transport) NewScanner() (device.Scanner, error) {
	dev, err := t.device()
	if err != nil {
		return nil, err
	}
	return &bleScanner{dev: dev}, nil
}

// Connect dials the peripheral and returns a live connection.
// The GATT profile is not discovered until DiscoverServices is called.
func (t *Transport) Connect(ctx context.Context, address string, timeout time.Duration) (device.Connection, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dev, err := t.device()
	if err != nil {
		return nil, err
	}

	t.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": timeout,
	}).Info("Connecting to BLE device...")

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := dev.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	return newBLEConnection(address, client, t.logger), nil
}

// Close releases the adapter. Scans and connections must be finished first.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev == nil {
		return nil
	}
	err := t.dev.Stop()
	t.dev = nil
	return NormalizeError(err)
}

package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/groutine"
)

// BLEConnection represents a live BLE connection (discovery, notifications, writes)
type BLEConnection struct {
	address string
	client  ble.Client
	logger  *logrus.Logger

	connMutex  sync.RWMutex
	writeMutex sync.Mutex
	chars      map[string]*ble.Characteristic // keyed by charKey(service, characteristic)
	subscribed map[string]*ble.Characteristic

	closing   atomic.Bool
	closeOnce sync.Once
	lostOnce  sync.Once
	stop      chan struct{}
	lost      chan struct{}
}

func newBLEConnection(address string, client ble.Client, logger *logrus.Logger) *BLEConnection {
	c := &BLEConnection{
		address:    address,
		client:     client,
		logger:     logger,
		chars:      make(map[string]*ble.Characteristic),
		subscribed: make(map[string]*ble.Characteristic),
		stop:       make(chan struct{}),
		lost:       make(chan struct{}),
	}

	// Monitor go-ble client Disconnected() channel.
	// Only remote or link-level drops are reported; Close() is not a link loss.
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				if c.closing.Load() {
					return
				}
				c.logger.WithField("address", c.address).Warn("BLE stack reported disconnection")
				c.lostOnce.Do(func() { close(c.lost) })
			case <-c.stop:
			}
		})
	} else {
		c.logger.Debug("Client does not support Disconnected() channel")
	}

	return c
}

func charKey(service, characteristic string) string {
	return device.NormalizeUUID(service) + "/" + device.NormalizeUUID(characteristic)
}

// Address returns the peer address the connection was dialed with
func (c *BLEConnection) Address() string {
	return c.address
}

// DiscoverServices discovers the full GATT profile, including descriptors needed for subscriptions.
func (c *BLEConnection) DiscoverServices() ([]device.ServiceInfo, error) {
	c.logger.WithField("address", c.address).Debug("Discovering services and characteristics...")

	profile, err := c.client.DiscoverProfile(true)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": c.address,
			"error":   err,
		}).Error("Failed to discover profile")
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	result := make([]device.ServiceInfo, 0, len(profile.Services))
	for _, svc := range profile.Services {
		info := device.ServiceInfo{UUID: device.NormalizeUUID(svc.UUID.String())}
		for _, ch := range svc.Characteristics {
			c.chars[charKey(info.UUID, ch.UUID.String())] = ch
			info.Characteristics = append(info.Characteristics, device.CharacteristicInfo{
				UUID:       device.NormalizeUUID(ch.UUID.String()),
				Properties: NewProperties(ch.Property),
			})
		}
		result = append(result, info)
	}

	c.logger.WithFields(logrus.Fields{
		"address":         c.address,
		"services":        len(result),
		"characteristics": len(c.chars),
	}).Debug("Profile discovered successfully")

	return result, nil
}

func (c *BLEConnection) lookup(service, characteristic string) (*ble.Characteristic, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	if c.closing.Load() {
		return nil, device.ErrNotConnected
	}
	ch, ok := c.chars[charKey(service, characteristic)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return ch, nil
}

// Write writes a single value to a characteristic. Writes are serialized per connection.
func (c *BLEConnection) Write(service, characteristic string, data []byte, withResponse bool) error {
	ch, err := c.lookup(service, characteristic)
	if err != nil {
		return err
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if err := c.client.WriteCharacteristic(ch, data, !withResponse); err != nil {
		return fmt.Errorf("failed to write to characteristic %s in service %s: %w", characteristic, service, NormalizeError(err))
	}
	return nil
}

// Subscribe enables notifications on a characteristic. The handler runs on the BLE stack's goroutine
// and must not block.
func (c *BLEConnection) Subscribe(service, characteristic string, handler func(data []byte)) error {
	ch, err := c.lookup(service, characteristic)
	if err != nil {
		return err
	}
	if ch.Property&ble.CharNotify == 0 && ch.Property&ble.CharIndicate == 0 {
		return fmt.Errorf("characteristic %s does not support notifications: %w", characteristic, device.ErrUnsupported)
	}

	indicate := ch.Property&ble.CharNotify == 0
	if err := c.client.Subscribe(ch, indicate, func(req []byte) { handler(req) }); err != nil {
		c.logger.WithFields(logrus.Fields{
			"serviceUUID": service,
			"charUUID":    characteristic,
			"error":       err,
		}).Error("Failed to subscribe to characteristic notifications")
		return fmt.Errorf("failed to subscribe to %s: %w", characteristic, NormalizeError(err))
	}

	c.connMutex.Lock()
	c.subscribed[charKey(service, characteristic)] = ch
	c.connMutex.Unlock()

	c.logger.WithFields(logrus.Fields{
		"serviceUUID": service,
		"charUUID":    characteristic,
	}).Debug("Subscribed to characteristic notifications")
	return nil
}

// Unsubscribe disables notifications on a characteristic previously subscribed to.
func (c *BLEConnection) Unsubscribe(service, characteristic string) error {
	key := charKey(service, characteristic)

	c.connMutex.Lock()
	ch, ok := c.subscribed[key]
	delete(c.subscribed, key)
	c.connMutex.Unlock()

	if !ok {
		return nil
	}

	indicate := ch.Property&ble.CharNotify == 0
	if err := c.client.Unsubscribe(ch, indicate); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", characteristic, NormalizeError(err))
	}
	return nil
}

// Disconnected is closed when the link drops without Close being called
func (c *BLEConnection) Disconnected() <-chan struct{} {
	return c.lost
}

// Close tears the link down. Safe to call more than once.
func (c *BLEConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.stop)

		c.logger.WithField("address", c.address).Info("Disconnecting BLE device...")
		err = NormalizeError(c.client.CancelConnection())
		if err != nil {
			c.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		}
	})
	return err
}

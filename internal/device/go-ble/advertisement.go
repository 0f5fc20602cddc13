package goble

import (
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/musebridge/internal/device"
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement interface
type BLEAdvertisement struct {
	adv ble.Advertisement
}

// NewBLEAdvertisement creates a new BLEAdvertisement wrapper
func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string        { return a.adv.LocalName() }
func (a *BLEAdvertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *BLEAdvertisement) TxPowerLevel() int        { return a.adv.TxPowerLevel() }
func (a *BLEAdvertisement) Connectable() bool        { return a.adv.Connectable() }
func (a *BLEAdvertisement) RSSI() int                { return a.adv.RSSI() }

// Addr returns the peer address in the canonical upper-case colon form.
// macOS reports opaque identifiers instead of MAC addresses; those pass through unchanged.
func (a *BLEAdvertisement) Addr() string {
	if a.adv.Addr() == nil {
		return ""
	}
	return strings.ToUpper(a.adv.Addr().String())
}

// Services returns advertised service UUIDs (complete, incomplete and overflow lists), normalized.
func (a *BLEAdvertisement) Services() []string {
	bleServices := append(a.adv.Services(), a.adv.OverflowService()...)
	result := make([]string, len(bleServices))
	for i, svc := range bleServices {
		result[i] = device.NormalizeUUID(svc.String())
	}
	return result
}

package goble

import (
	"context"

	ble "github.com/go-ble/ble"
	"github.com/srg/musebridge/internal/device"
)

// bleScanner adapts ble.Device scanning to device.Scanner.
type bleScanner struct {
	dev ble.Device
}

// Scan blocks until ctx is done or the adapter fails. Reports without a peer
// address are dropped since they cannot be connected to.
func (s *bleScanner) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	return NormalizeError(s.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		if adv == nil || adv.Addr() == nil {
			return
		}
		handler(NewBLEAdvertisement(adv))
	}))
}

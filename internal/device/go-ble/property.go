package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/musebridge/internal/device"
)

// propertyMap pairs go-ble characteristic property flags with transport flags.
// Signed writes and extended properties have no transport equivalent.
var propertyMap = []struct {
	ble ble.Property
	dev device.Property
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
}

// NewProperties converts ble.Property bit flags to device.Property.
func NewProperties(p ble.Property) device.Property {
	var props device.Property
	for _, m := range propertyMap {
		if p&m.ble != 0 {
			props |= m.dev
		}
	}
	return props
}

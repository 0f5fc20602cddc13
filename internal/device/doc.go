// Package device defines the Bluetooth Low Energy transport boundary used by
// the rest of the application.
//
// The package contains no platform code. It provides:
//   - Transport, Scanner and Connection interfaces implemented by the go-ble adapter
//   - plain GATT profile descriptors (ServiceInfo, CharacteristicInfo)
//   - structured errors shared by every transport (NotFoundError, ConnectionError)
//   - UUID normalization so lookups are independent of UUID spelling
package device

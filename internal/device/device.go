package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsBluetoothOff reports whether err means the local adapter is unavailable.
// Platform messages that were not normalized are matched by text as a fallback.
func IsBluetoothOff(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBluetoothOff) {
		return true
	}
	return containsIgnoreCase(err.Error(), "bluetooth is turned off")
}

// Advertisement is a single advertising report seen during a scan
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []string
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() string
}

// Scanner represents a BLE adapter capable of scanning for advertisements.
// Scan blocks until ctx is done or the adapter fails.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Transport is the BLE stack as seen by the rest of the application
type Transport interface {
	NewScanner() (Scanner, error)
	Connect(ctx context.Context, address string, timeout time.Duration) (Connection, error)
}

// Connection represents a live GATT client connection to one peripheral
type Connection interface {
	Address() string

	// DiscoverServices returns the remote GATT profile. UUIDs are normalized.
	DiscoverServices() ([]ServiceInfo, error)

	Write(service, characteristic string, data []byte, withResponse bool) error
	Subscribe(service, characteristic string, handler func(data []byte)) error
	Unsubscribe(service, characteristic string) error

	// Disconnected is closed when the link drops without Close being called
	Disconnected() <-chan struct{}
	Close() error
}

// Property is a bit set of GATT characteristic properties
type Property uint8

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
)

// Has reports whether every bit of p2 is set in p
func (p Property) Has(p2 Property) bool {
	return p&p2 == p2
}

func (p Property) String() string {
	names := []struct {
		p    Property
		name string
	}{
		{PropBroadcast, "broadcast"},
		{PropRead, "read"},
		{PropWriteWithoutResponse, "write-without-response"},
		{PropWrite, "write"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	}
	var parts []string
	for _, n := range names {
		if p.Has(n.p) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// CharacteristicInfo describes a discovered characteristic
type CharacteristicInfo struct {
	UUID       string
	Properties Property
}

// ServiceInfo describes a discovered service and its characteristics
type ServiceInfo struct {
	UUID            string
	Characteristics []CharacteristicInfo
}

// FindCharacteristic looks up a characteristic in a discovered profile by
// service and characteristic UUID. Both UUIDs may be in any accepted form.
func FindCharacteristic(services []ServiceInfo, service, characteristic string) (CharacteristicInfo, error) {
	svcUUID := NormalizeUUID(service)
	charUUID := NormalizeUUID(characteristic)

	for _, svc := range services {
		if NormalizeUUID(svc.UUID) != svcUUID {
			continue
		}
		for _, c := range svc.Characteristics {
			if NormalizeUUID(c.UUID) == charUUID {
				return c, nil
			}
		}
		return CharacteristicInfo{}, &NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return CharacteristicInfo{}, &NotFoundError{Resource: "service", UUIDs: []string{service}}
}

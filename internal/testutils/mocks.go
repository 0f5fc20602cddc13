package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/srg/musebridge/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a testify mock of device.Transport
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) NewScanner() (device.Scanner, error) {
	args := m.Called()
	s, _ := args.Get(0).(device.Scanner)
	return s, args.Error(1)
}

func (m *MockTransport) Connect(ctx context.Context, address string, timeout time.Duration) (device.Connection, error) {
	args := m.Called(ctx, address, timeout)
	c, _ := args.Get(0).(device.Connection)
	return c, args.Error(1)
}

// MockConnection is a testify mock of device.Connection.
// Subscribe handlers are captured so tests can deliver notifications with Notify,
// and DropLink simulates a link loss.
type MockConnection struct {
	mock.Mock

	address  string
	mu       sync.Mutex
	handlers map[string]func([]byte)
	lost     chan struct{}
	lostOnce sync.Once
}

func NewMockConnection(address string) *MockConnection {
	return &MockConnection{
		address:  address,
		handlers: make(map[string]func([]byte)),
		lost:     make(chan struct{}),
	}
}

func (m *MockConnection) Address() string {
	return m.address
}

func (m *MockConnection) DiscoverServices() ([]device.ServiceInfo, error) {
	args := m.Called()
	s, _ := args.Get(0).([]device.ServiceInfo)
	return s, args.Error(1)
}

func (m *MockConnection) Write(service, characteristic string, data []byte, withResponse bool) error {
	return m.Called(service, characteristic, data, withResponse).Error(0)
}

func (m *MockConnection) Subscribe(service, characteristic string, handler func([]byte)) error {
	if err := m.Called(service, characteristic).Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	m.handlers[device.NormalizeUUID(characteristic)] = handler
	m.mu.Unlock()
	return nil
}

func (m *MockConnection) Unsubscribe(service, characteristic string) error {
	err := m.Called(service, characteristic).Error(0)
	m.mu.Lock()
	delete(m.handlers, device.NormalizeUUID(characteristic))
	m.mu.Unlock()
	return err
}

func (m *MockConnection) Disconnected() <-chan struct{} {
	return m.lost
}

func (m *MockConnection) Close() error {
	return m.Called().Error(0)
}

// Notify delivers payload to the handler subscribed on characteristic.
// Returns false when nothing is subscribed.
func (m *MockConnection) Notify(characteristic string, payload []byte) bool {
	m.mu.Lock()
	h := m.handlers[device.NormalizeUUID(characteristic)]
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(payload)
	return true
}

// Subscribed returns how many characteristics currently have a handler.
func (m *MockConnection) Subscribed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// DropLink closes the Disconnected channel as the BLE stack would on link loss.
func (m *MockConnection) DropLink() {
	m.lostOnce.Do(func() { close(m.lost) })
}

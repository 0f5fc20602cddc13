package testutils

import (
	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/muse"
	"github.com/stretchr/testify/mock"
)

// PeripheralBuilder configures a MockConnection that behaves like a Muse headband.
// Unless changed, every operation succeeds and the full Muse GATT profile is reported.
type PeripheralBuilder struct {
	address       string
	missing       map[string]bool
	discoverErr   error
	writeErr      error
	subscribeErrs map[string]error
	extra         []device.ServiceInfo
}

func NewPeripheralBuilder(address string) *PeripheralBuilder {
	return &PeripheralBuilder{
		address:       address,
		missing:       make(map[string]bool),
		subscribeErrs: make(map[string]error),
	}
}

// WithoutCharacteristic removes a characteristic (or the Muse service itself) from the profile.
func (b *PeripheralBuilder) WithoutCharacteristic(uuid string) *PeripheralBuilder {
	b.missing[device.NormalizeUUID(uuid)] = true
	return b
}

// WithService appends an unrelated service to the profile.
func (b *PeripheralBuilder) WithService(svc device.ServiceInfo) *PeripheralBuilder {
	b.extra = append(b.extra, svc)
	return b
}

func (b *PeripheralBuilder) WithDiscoverError(err error) *PeripheralBuilder {
	b.discoverErr = err
	return b
}

// WithWriteError makes every control write fail.
func (b *PeripheralBuilder) WithWriteError(err error) *PeripheralBuilder {
	b.writeErr = err
	return b
}

func (b *PeripheralBuilder) WithSubscribeError(uuid string, err error) *PeripheralBuilder {
	b.subscribeErrs[device.NormalizeUUID(uuid)] = err
	return b
}

// Profile returns the GATT profile the peripheral reports.
// Data channels are listed in reverse order so lookups must not depend on position.
func (b *PeripheralBuilder) Profile() []device.ServiceInfo {
	profile := append([]device.ServiceInfo{
		{UUID: "1800", Characteristics: []device.CharacteristicInfo{{UUID: "2a00", Properties: device.PropRead}}},
	}, b.extra...)

	if b.missing[device.NormalizeUUID(muse.ServiceUUID)] {
		return profile
	}

	svc := device.ServiceInfo{UUID: device.NormalizeUUID(muse.ServiceUUID)}
	if !b.missing[device.NormalizeUUID(muse.ControlUUID)] {
		svc.Characteristics = append(svc.Characteristics, device.CharacteristicInfo{
			UUID:       device.NormalizeUUID(muse.ControlUUID),
			Properties: device.PropWriteWithoutResponse | device.PropNotify,
		})
	}
	uuids := muse.ChannelUUIDs()
	for i := len(uuids) - 1; i >= 0; i-- {
		u := device.NormalizeUUID(uuids[i])
		if b.missing[u] {
			continue
		}
		svc.Characteristics = append(svc.Characteristics, device.CharacteristicInfo{UUID: u, Properties: device.PropNotify})
	}
	return append(profile, svc)
}

// Build creates the connection with every expectation marked optional.
func (b *PeripheralBuilder) Build() *MockConnection {
	conn := NewMockConnection(b.address)

	if b.discoverErr != nil {
		conn.On("DiscoverServices").Return(nil, b.discoverErr).Maybe()
	} else {
		conn.On("DiscoverServices").Return(b.Profile(), nil).Maybe()
	}

	conn.On("Write", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(b.writeErr).Maybe()

	for uuid, err := range b.subscribeErrs {
		uuid := uuid
		conn.On("Subscribe", mock.Anything, mock.MatchedBy(func(c string) bool {
			return device.NormalizeUUID(c) == uuid
		})).Return(err).Maybe()
	}
	conn.On("Subscribe", mock.Anything, mock.Anything).Return(nil).Maybe()
	conn.On("Unsubscribe", mock.Anything, mock.Anything).Return(nil).Maybe()
	conn.On("Close").Return(nil).Maybe()

	return conn
}

// MusePayload encodes an EEG notification whose twelve samples all carry raw.
func MusePayload(sequence uint16, raw uint16) []byte {
	var samples [muse.BatchSize]uint16
	for i := range samples {
		samples[i] = raw
	}
	return muse.EncodeEEG(sequence, samples)
}

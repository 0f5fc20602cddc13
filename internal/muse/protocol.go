// Package muse holds the Muse headband GATT layout, control commands and the
// EEG notification decoder.
package muse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GATT layout advertised by Muse firmware.
const (
	ServiceUUID = "0000fe8d-0000-1000-8000-00805f9b34fb"
	ControlUUID = "273e0001-4c4d-454d-96be-f03bac821358"

	ChannelTP9      = "273e0003-4c4d-454d-96be-f03bac821358"
	ChannelAF7      = "273e0004-4c4d-454d-96be-f03bac821358"
	ChannelAF8      = "273e0005-4c4d-454d-96be-f03bac821358"
	ChannelTP10     = "273e0006-4c4d-454d-96be-f03bac821358"
	ChannelRightAux = "273e0007-4c4d-454d-96be-f03bac821358"
)

const (
	NominalRate    = 256.0
	BatchSize      = 12
	SampleInterval = 4 * time.Millisecond
	PayloadSize    = 2 + BatchSize*12/8

	ChannelUnit  = "microvolts"
	StreamType   = "EEG"
	Manufacturer = "Muse"

	// DeviceNamePrefix is the advertised local name fragment of every Muse model.
	DeviceNamePrefix = "Muse"

	microvoltsPerCount = 0.48828125
	sampleOffset       = 2048
)

var (
	StartCommand = []byte{0x02, 0x64, 0x0a}
	StopCommand  = []byte{0x02, 0x68, 0x0a}
)

// ErrNotificationDecode is returned for payloads that are not a valid EEG packet
var ErrNotificationDecode = errors.New("notification decode error")

// Channel is one EEG data characteristic and its electrode label
type Channel struct {
	UUID  string
	Label string
}

// Channels lists the data characteristics in stream channel order.
var Channels = []Channel{
	{UUID: ChannelTP9, Label: "TP9"},
	{UUID: ChannelAF7, Label: "AF7"},
	{UUID: ChannelAF8, Label: "AF8"},
	{UUID: ChannelTP10, Label: "TP10"},
	{UUID: ChannelRightAux, Label: "Right AUX"},
}

// ChannelUUIDs returns the data characteristic UUIDs in stream channel order.
func ChannelUUIDs() []string {
	out := make([]string, len(Channels))
	for i, c := range Channels {
		out[i] = c.UUID
	}
	return out
}

// ChannelLabels returns the electrode labels in stream channel order.
func ChannelLabels() []string {
	out := make([]string, len(Channels))
	for i, c := range Channels {
		out[i] = c.Label
	}
	return out
}

// Packet is one decoded notification: a sequence number and BatchSize samples in microvolts.
type Packet struct {
	Sequence uint16
	Samples  [BatchSize]float32
}

// DecodeEEG decodes a 20-byte EEG notification.
// Samples are packed big-endian 12 bits each after the 16-bit sequence.
func DecodeEEG(payload []byte) (Packet, error) {
	var p Packet
	if len(payload) != PayloadSize {
		return p, fmt.Errorf("%w: payload is %d bytes, expected %d", ErrNotificationDecode, len(payload), PayloadSize)
	}

	p.Sequence = binary.BigEndian.Uint16(payload[:2])
	data := payload[2:]
	for i := 0; i < BatchSize; i += 2 {
		b := data[i/2*3 : i/2*3+3]
		s0 := uint16(b[0])<<4 | uint16(b[1])>>4
		s1 := uint16(b[1]&0x0f)<<8 | uint16(b[2])
		p.Samples[i] = toMicrovolts(s0)
		p.Samples[i+1] = toMicrovolts(s1)
	}
	return p, nil
}

func toMicrovolts(raw uint16) float32 {
	return float32(microvoltsPerCount * (float64(raw) - sampleOffset))
}

// EncodeEEG packs raw 12-bit samples into a notification payload. It is the inverse of DecodeEEG
// and is used to feed simulated devices.
func EncodeEEG(sequence uint16, raw [BatchSize]uint16) []byte {
	out := make([]byte, PayloadSize)
	binary.BigEndian.PutUint16(out[:2], sequence)
	data := out[2:]
	for i := 0; i < BatchSize; i += 2 {
		s0, s1 := raw[i]&0x0fff, raw[i+1]&0x0fff
		j := i / 2 * 3
		data[j] = byte(s0 >> 4)
		data[j+1] = byte(s0&0x0f)<<4 | byte(s1>>8)
		data[j+2] = byte(s1)
	}
	return out
}

// IsMuseName reports whether an advertised local name looks like a Muse headband.
func IsMuseName(name string) bool {
	return strings.Contains(strings.ToLower(name), strings.ToLower(DeviceNamePrefix))
}

// SourceID builds the stream source identifier for a device address.
func SourceID(address string) string {
	return Manufacturer + address
}

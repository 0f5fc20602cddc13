package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "16-bit UUID lowercase",
			input:    "fe8d",
			expected: "fe8d",
		},
		{
			name:     "16-bit UUID uppercase with 0X prefix",
			input:    "0XFE8D",
			expected: "fe8d",
		},
		{
			name:     "Full Bluetooth SIG UUID with dashes",
			input:    "0000fe8d-0000-1000-8000-00805f9b34fb",
			expected: "fe8d",
		},
		{
			name:     "Full Bluetooth SIG UUID in braces",
			input:    "{0000FE8D-0000-1000-8000-00805F9B34FB}",
			expected: "fe8d",
		},
		{
			name:     "Vendor 128-bit UUID is not shortened",
			input:    "273e0003-4c4d-454d-96be-f03bac821358",
			expected: "273e00034c4d454d96bef03bac821358",
		},
		{
			name:     "Vendor UUID already normalized",
			input:    "273e00034c4d454d96bef03bac821358",
			expected: "273e00034c4d454d96bef03bac821358",
		},
		{
			name:     "SIG-looking UUID with wrong suffix",
			input:    "0000fe8d-1234-5678-9abc-def012345678",
			expected: "0000fe8d123456789abcdef012345678",
		},
		{
			name:     "Empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	assert.Nil(t, NormalizeUUIDs(nil))
	assert.Equal(t,
		[]string{"fe8d", "273e00014c4d454d96bef03bac821358"},
		NormalizeUUIDs([]string{"0000FE8D-0000-1000-8000-00805F9B34FB", "273E0001-4C4D-454D-96BE-F03BAC821358"}))
}

func TestValidateUUID(t *testing.T) {
	t.Run("accepts short and long forms", func(t *testing.T) {
		got, err := ValidateUUID("FE8D", "273e0001-4c4d-454d-96be-f03bac821358")
		require.NoError(t, err)
		assert.Equal(t, []string{"fe8d", "273e00014c4d454d96bef03bac821358"}, got)
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := ValidateUUID()
		assert.Error(t, err)

		_, err = ValidateUUID("fe8d", "")
		assert.ErrorContains(t, err, "index 1")
	})

	t.Run("rejects non-hex and odd lengths", func(t *testing.T) {
		_, err := ValidateUUID("muse")
		assert.ErrorContains(t, err, "invalid UUID format")

		_, err = ValidateUUID("fe8")
		assert.ErrorContains(t, err, "invalid UUID format")
	})
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "273e0003", ShortenUUID("273e00034c4d454d96bef03bac821358"))
	assert.Equal(t, "fe8d", ShortenUUID("fe8d"))
}

func TestFindCharacteristic(t *testing.T) {
	profile := []ServiceInfo{
		{UUID: "1800", Characteristics: []CharacteristicInfo{{UUID: "2a00", Properties: PropRead}}},
		{UUID: "fe8d", Characteristics: []CharacteristicInfo{
			{UUID: "273e00014c4d454d96bef03bac821358", Properties: PropWriteWithoutResponse},
			{UUID: "273e00034c4d454d96bef03bac821358", Properties: PropNotify},
		}},
	}

	t.Run("finds characteristic with any UUID form", func(t *testing.T) {
		c, err := FindCharacteristic(profile, "0000fe8d-0000-1000-8000-00805f9b34fb", "273E0003-4C4D-454D-96BE-F03BAC821358")
		require.NoError(t, err)
		assert.True(t, c.Properties.Has(PropNotify))
	})

	t.Run("reports missing service", func(t *testing.T) {
		_, err := FindCharacteristic(profile, "180d", "2a37")
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "service", nf.Resource)
		assert.Equal(t, `service "180d" not found`, err.Error())
	})

	t.Run("reports missing characteristic", func(t *testing.T) {
		_, err := FindCharacteristic(profile, "fe8d", "273e0007-4c4d-454d-96be-f03bac821358")
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "characteristic", nf.Resource)
		assert.Contains(t, err.Error(), `not found in service "fe8d"`)
	})
}

func TestProperty(t *testing.T) {
	p := PropRead | PropNotify
	assert.True(t, p.Has(PropNotify))
	assert.False(t, p.Has(PropWrite))
	assert.Equal(t, "read,notify", p.String())
}

func TestConnectionError(t *testing.T) {
	err := &ConnectionError{State: NotConnected, Msg: "link lost"}
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NotErrorIs(t, err, ErrAlreadyConnected)
	assert.True(t, IsConnectionState(err, NotConnected))
	assert.Equal(t, "not_connected: link lost", err.Error())
}

func TestIsBluetoothOff(t *testing.T) {
	assert.False(t, IsBluetoothOff(nil))
	assert.True(t, IsBluetoothOff(ErrBluetoothOff))
	assert.True(t, IsBluetoothOff(fmt.Errorf("scan: %w", ErrBluetoothOff)))
	assert.True(t, IsBluetoothOff(errors.New("Bluetooth is turned off")))
	assert.False(t, IsBluetoothOff(assert.AnError))
}

package ieee1284

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLengthPrefixedBigEndian(t *testing.T) {
	id := "MFG:EPSON;MDL:Stylus Photo R300;CMD:ESCPL2;"
	buf := BuildLengthPrefixed(id)

	got, err := ParseLengthPrefixed(buf)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestParseLengthPrefixedLittleEndianFallback(t *testing.T) {
	// Vendors that store the length LSB first: swap the prefix bytes and
	// make sure the fallback path recovers the payload.
	id := "MFG:Canon;MDL:PIXMA iP4000;"
	buf := BuildLengthPrefixed(id)
	buf[0], buf[1] = buf[1], buf[0]

	got, err := ParseLengthPrefixed(buf)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestParseLengthPrefixedRoundTrip(t *testing.T) {
	// parse(build(P)) = P regardless of prefix endianness.
	payloads := []string{
		"MFG:a;MDL:bcdef;",
		"MFG:Hewlett-Packard;MDL:LaserJet 4000;SERN:XYZ123;",
		"MANUFACTURER:Lexmark International;MODEL:Optra S 1855;",
	}

	for _, p := range payloads {
		be := BuildLengthPrefixed(p)
		got, err := ParseLengthPrefixed(be)
		require.NoError(t, err, p)
		assert.Equal(t, p, got)

		le := BuildLengthPrefixed(p)
		le[0], le[1] = le[1], le[0]
		got, err = ParseLengthPrefixed(le)
		require.NoError(t, err, p)
		assert.Equal(t, p, got)
	}
}

func TestParseLengthPrefixedClampsToBuffer(t *testing.T) {
	id := "MFG:EPSON;MDL:Stylus;"
	buf := BuildLengthPrefixed(id)
	// Claim more bytes than the transfer returned.
	buf[0] = 0x7f
	buf[1] = 0xff

	got, err := ParseLengthPrefixed(buf)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestParseLengthPrefixedTooShort(t *testing.T) {
	_, err := ParseLengthPrefixed(BuildLengthPrefixed("MFG:x;"))
	assert.ErrorIs(t, err, ErrInvalidDeviceID)

	_, err = ParseLengthPrefixed([]byte{0x00})
	assert.ErrorIs(t, err, ErrInvalidDeviceID)
}

func TestValues(t *testing.T) {
	values := Values("MFG:EPSON; MDL:Stylus Photo R300 ;CMD:ESCPL2;;junk;SN:ABC")

	assert.Equal(t, "EPSON", Manufacturer(values))
	assert.Equal(t, "Stylus Photo R300", Model(values))
	assert.Equal(t, "ABC", Serial(values))
	assert.Equal(t, "ESCPL2", values["CMD"])
	_, ok := values["JUNK"]
	assert.False(t, ok)
}

func TestValuesFallbackKeys(t *testing.T) {
	values := Values("MANUFACTURER:HP;MODEL:LaserJet;SERIALNUMBER:S1;DESCRIPTION:HP LaserJet 4;")

	assert.Equal(t, "HP", Manufacturer(values))
	assert.Equal(t, "LaserJet", Model(values))
	assert.Equal(t, "S1", Serial(values))
	assert.Equal(t, "HP LaserJet 4", Description(values))
}

func TestMakeModel(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"MFG:EPSON;MDL:Stylus;", "EPSON Stylus"},
		{"MFG:HP;MDL:HP LaserJet 4;", "HP LaserJet 4"},
		{"MDL:Stylus;", "Stylus"},
		{"MFG:HP;", "HP"},
		{"CMD:PS;", "Unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MakeModel(Values(tt.id)), tt.id)
	}
}

// Package ieee1284 handles IEEE-1284 device ID strings as returned by
// printer-class USB devices: a two-byte length prefix followed by a
// key/value text of the form "MFG:EPSON;MDL:Stylus;CMD:ESCPL2;".
package ieee1284

import (
	"strings"

	"github.com/pkg/errors"
)

// MinIDLength is the smallest valid device ID including the two length
// bytes ("MFG:x;MDL:y;" plus the prefix).
const MinIDLength = 14

var ErrInvalidDeviceID = errors.New("ieee1284: invalid device ID")

// ParseLengthPrefixed extracts the device ID text from a raw class-request
// response. The 1284 spec stores the length MSB first, but some vendors
// write it LSB first; an out-of-range big-endian length triggers the
// little-endian reinterpretation. The length is clamped to the buffer.
func ParseLengthPrefixed(buf []byte) (string, error) {
	if len(buf) < 2 {
		return "", errors.Wrap(ErrInvalidDeviceID, "short read")
	}

	length := int(buf[0])<<8 | int(buf[1])

	if length > len(buf) || length < MinIDLength {
		length = int(buf[1])<<8 | int(buf[0])
	}

	if length > len(buf) {
		length = len(buf)
	}

	if length < MinIDLength {
		return "", errors.Wrapf(ErrInvalidDeviceID, "length %d", length)
	}

	// Strip the prefix and any trailing NULs.
	return strings.TrimRight(string(buf[2:length]), "\x00"), nil
}

// BuildLengthPrefixed produces the wire form of a device ID string with a
// big-endian length prefix. The inverse of ParseLengthPrefixed for any
// payload of at least 12 bytes that fits the caller's transfer buffer;
// shorter payloads are rejected by the parser.
func BuildLengthPrefixed(id string) []byte {
	total := len(id) + 2
	buf := make([]byte, total)
	buf[0] = byte(total >> 8)
	buf[1] = byte(total)
	copy(buf[2:], id)
	return buf
}

// Values splits a device ID into its key/value pairs. Keys are
// upper-cased; surrounding whitespace is dropped on both sides.
func Values(id string) map[string]string {
	values := make(map[string]string)

	for _, pair := range strings.Split(id, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		key, value, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}

		values[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	return values
}

// lookup returns the first present key from the candidate list.
func lookup(values map[string]string, keys ...string) string {
	for _, key := range keys {
		if v, ok := values[key]; ok {
			return v
		}
	}
	return ""
}

// Manufacturer returns the MANUFACTURER/MFG value.
func Manufacturer(values map[string]string) string {
	return lookup(values, "MANUFACTURER", "MFG")
}

// Model returns the MODEL/MDL value.
func Model(values map[string]string) string {
	return lookup(values, "MODEL", "MDL")
}

// Serial returns the SERIALNUMBER/SERN/SN value.
func Serial(values map[string]string) string {
	return lookup(values, "SERIALNUMBER", "SERN", "SN")
}

// Description returns the DESCRIPTION/DES value.
func Description(values map[string]string) string {
	return lookup(values, "DESCRIPTION", "DES")
}

// MakeModel composes a display string from the manufacturer and model,
// avoiding a duplicated manufacturer prefix.
func MakeModel(values map[string]string) string {
	mfg := Manufacturer(values)
	mdl := Model(values)

	switch {
	case mfg == "" && mdl == "":
		return "Unknown"
	case mfg == "":
		return mdl
	case mdl == "":
		return mfg
	case strings.HasPrefix(strings.ToLower(mdl), strings.ToLower(mfg)):
		return mdl
	default:
		return mfg + " " + mdl
	}
}

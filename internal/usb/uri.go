package usb

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/printd-dev/printd/pkg/ieee1284"
)

// MakeDeviceURI composes the canonical device URI for a printer:
//
//	usb://<mfg>/<model>[?serial=<sn>[&interface=<n>]]
//
// Manufacturer names are mapped for compatibility with the classic
// character-device backend; a missing manufacturer is derived from the
// model or description. The URI is deterministic in its inputs.
func MakeDeviceURI(deviceID, serialFallback string, iface int) string {
	values := ieee1284.Values(deviceID)

	sern := ieee1284.Serial(values)
	if sern == "" {
		sern = serialFallback
	}

	mfg := ieee1284.Manufacturer(values)
	mdl := ieee1284.Model(values)
	des := ieee1284.Description(values)

	if mfg != "" {
		if strings.EqualFold(mfg, "Hewlett-Packard") {
			mfg = "HP"
		} else if strings.EqualFold(mfg, "Lexmark International") {
			mfg = "Lexmark"
		}
	} else {
		// No manufacturer: first whitespace-delimited token of the model
		// or description, or Unknown.
		source := mdl
		if source == "" {
			source = des
		}
		if source == "" {
			mfg = "Unknown"
		} else {
			mfg = strings.Fields(source)[0]
		}
	}

	if mdl == "" {
		switch {
		case des != "":
			mdl = des
		case strings.HasPrefix(strings.ToLower(mfg), "unknown"):
			mdl = "Printer"
		default:
			mdl = "Unknown Model"
		}
	}

	// Strip a duplicated manufacturer prefix from the model.
	if len(mdl) > len(mfg) &&
		strings.EqualFold(mdl[:len(mfg)], mfg) &&
		mdl[len(mfg)] == ' ' {
		mdl = strings.TrimLeft(mdl[len(mfg):], " ")
	}

	var options string
	switch {
	case sern != "" && iface > 0:
		options = fmt.Sprintf("?serial=%s&interface=%d", url.QueryEscape(sern), iface)
	case sern != "":
		options = "?serial=" + url.QueryEscape(sern)
	case iface > 0:
		options = fmt.Sprintf("?interface=%d", iface)
	}

	return "usb://" + escapeURIComponent(mfg) + "/" + escapeURIComponent(mdl) + options
}

// escapeURIComponent percent-encodes a URI path segment, keeping the
// characters the original assembler leaves bare.
func escapeURIComponent(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), "+", "%2B")
}

// MatchURI compares a requested device URI against a detected one,
// tolerating the asymmetries between discovery paths: an interface
// specification present on only one side is stripped, as is a serial
// present on only one side; the special "?serial=?" marker means
// "no serial number".
func MatchURI(requested, detected string) bool {
	if requested == detected {
		return true
	}

	reqIface := findOption(requested, "interface=")
	detIface := findOption(detected, "interface=")
	if reqIface < 0 && detIface >= 0 {
		detected = detected[:detIface]
	} else if reqIface >= 0 && detIface < 0 {
		requested = requested[:reqIface]
	}

	if idx := strings.Index(requested, "?serial=?"); idx >= 0 {
		requested = requested[:idx]
	}

	reqSerial := strings.Index(requested, "?serial=")
	detSerial := strings.Index(detected, "?serial=")
	if reqSerial < 0 && detSerial >= 0 {
		detected = detected[:detSerial]
	} else if reqSerial >= 0 && detSerial < 0 {
		requested = requested[:reqSerial]
	}

	return requested == detected
}

// findOption locates "?opt" or "&opt" in a URI, returning the index of
// the separator or -1.
func findOption(uri, opt string) int {
	if idx := strings.Index(uri, "?"+opt); idx >= 0 {
		return idx
	}
	return strings.Index(uri, "&"+opt)
}

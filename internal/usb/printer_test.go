package usb

import (
	"testing"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bulkEndpoint(num int, in bool) gousb.EndpointDesc {
	dir := gousb.EndpointDirectionOut
	if in {
		dir = gousb.EndpointDirectionIn
	}
	return gousb.EndpointDesc{
		Number:       num,
		Direction:    dir,
		TransferType: gousb.TransferTypeBulk,
	}
}

func printerAlt(alt int, protocol gousb.Protocol, eps ...gousb.EndpointDesc) gousb.InterfaceSetting {
	endpoints := make(map[gousb.EndpointAddress]gousb.EndpointDesc, len(eps))
	for i, ep := range eps {
		endpoints[gousb.EndpointAddress(i)] = ep
	}
	return gousb.InterfaceSetting{
		Number:    0,
		Alternate: alt,
		Class:     gousb.ClassPrinter,
		SubClass:  1,
		Protocol:  protocol,
		Endpoints: endpoints,
	}
}

func deviceDesc(settings ...gousb.InterfaceSetting) *gousb.DeviceDesc {
	return &gousb.DeviceDesc{
		Vendor:  gousb.ID(0x04b8),
		Product: gousb.ID(0x0005),
		Configs: map[int]gousb.ConfigDesc{
			1: {
				Number: 1,
				Interfaces: []gousb.InterfaceDesc{
					{Number: 0, AltSettings: settings},
				},
			},
		},
	}
}

func TestFindSettingsPrefersBidirectional(t *testing.T) {
	desc := deviceDesc(
		printerAlt(0, 1, bulkEndpoint(1, false)),
		printerAlt(1, 2, bulkEndpoint(1, false), bulkEndpoint(2, true)),
	)

	sels := findSettings(desc)
	require.Len(t, sels, 1)
	sel := sels[0]
	assert.Equal(t, 2, sel.protocol)
	assert.Equal(t, 1, sel.altNum)
	assert.Equal(t, 1, sel.writeEndp)
	assert.Equal(t, 2, sel.readEndp)
	assert.Equal(t, 2, sel.numAlts)
}

func TestFindSettingsRejectsWithoutBulkOut(t *testing.T) {
	desc := deviceDesc(printerAlt(0, 2, bulkEndpoint(1, true)))

	assert.Empty(t, findSettings(desc))
}

func TestFindSettingsRejectsNonPrinterClass(t *testing.T) {
	alt := printerAlt(0, 2, bulkEndpoint(1, false))
	alt.Class = gousb.ClassHID

	assert.Empty(t, findSettings(deviceDesc(alt)))
}

func TestFindSettingsRejectsUnknownProtocol(t *testing.T) {
	// IEEE 1284.4 packet mode (protocol 3) is out of scope.
	desc := deviceDesc(printerAlt(0, 3, bulkEndpoint(1, false)))

	assert.Empty(t, findSettings(desc))
}

func TestFindSettingsUnidirectional(t *testing.T) {
	desc := deviceDesc(printerAlt(0, 1, bulkEndpoint(1, false)))

	sels := findSettings(desc)
	require.Len(t, sels, 1)
	assert.Equal(t, 1, sels[0].protocol)
	assert.Equal(t, -1, sels[0].readEndp)
	assert.Equal(t, 1, sels[0].writeEndp)
}

func TestFindSettingsOffersEveryInterface(t *testing.T) {
	// A composite device with a printer interface at positions 0 and 1:
	// both must be offered, in enumeration order, so a URI selecting
	// interface=1 stays reachable.
	first := printerAlt(0, 1, bulkEndpoint(1, false))
	second := printerAlt(0, 2, bulkEndpoint(1, false), bulkEndpoint(2, true))
	second.Number = 1

	desc := &gousb.DeviceDesc{
		Vendor:  gousb.ID(0x04b8),
		Product: gousb.ID(0x0005),
		Configs: map[int]gousb.ConfigDesc{
			1: {
				Number: 1,
				Interfaces: []gousb.InterfaceDesc{
					{Number: 0, AltSettings: []gousb.InterfaceSetting{first}},
					{Number: 1, AltSettings: []gousb.InterfaceSetting{second}},
				},
			},
		},
	}

	sels := findSettings(desc)
	require.Len(t, sels, 2)

	assert.Equal(t, 0, sels[0].ifaceIndex)
	assert.Equal(t, 1, sels[0].protocol)

	assert.Equal(t, 1, sels[1].ifaceIndex)
	assert.Equal(t, 1, sels[1].ifaceNum)
	assert.Equal(t, 2, sels[1].protocol)
}

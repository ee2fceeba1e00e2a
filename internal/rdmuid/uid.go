// Package rdmuid implements the 48-bit RDM unique identifier used to address
// RDMnet clients: a 16-bit manufacturer ID and a 32-bit device ID.
package rdmuid

import "fmt"

// UID is an RDM unique identifier, split manufacturer/device per spec.
type UID struct {
	Manufacturer uint16
	Device       uint32
}

// broadcastDevice marks the device field as the broadcast-for-manufacturer form.
const broadcastDevice uint32 = 0xFFFFFFFF

// dynamicRequestFlag is the high bit of the device field that, combined with a
// non-zero remainder, marks a UID as a dynamic-UID request rather than static.
const dynamicRequestFlag uint32 = 0x80000000

// allControllersManufacturer and allDevicesManufacturer are the reserved
// manufacturer IDs E133_RPT_ALL_CONTROLLERS/E133_RPT_ALL_DEVICES carry on the
// wire; a manufacturer-specific device broadcast uses a real manufacturer ID
// with Device==broadcastDevice instead, so these two must stay distinct from
// each other and from any real manufacturer ID.
const (
	allControllersManufacturer uint16 = 0xFFFC
	allDevicesManufacturer     uint16 = 0xFFFD
)

// AllDevices is the well-known broadcast UID addressing every connected device.
var AllDevices = UID{Manufacturer: allDevicesManufacturer, Device: broadcastDevice}

// AllControllers is the well-known broadcast UID addressing every connected
// controller.
var AllControllers = UID{Manufacturer: allControllersManufacturer, Device: broadcastDevice}

// ManufacturerBroadcastDevices returns the broadcast UID for all devices
// belonging to a given manufacturer. manufacturer must not be one of the
// AllDevices/AllControllers wildcard manufacturer IDs.
func ManufacturerBroadcastDevices(manufacturer uint16) UID {
	return UID{Manufacturer: manufacturer, Device: broadcastDevice}
}

// IsAllDevices reports whether this UID is the all-devices broadcast form.
func (u UID) IsAllDevices() bool {
	return u.Equal(AllDevices)
}

// IsManufacturerBroadcast reports whether this UID is a per-manufacturer
// device broadcast: device field is the broadcast form, but the manufacturer
// is a real ID rather than the AllDevices/AllControllers wildcards.
func (u UID) IsManufacturerBroadcast() bool {
	return u.IsBroadcast() && u.Manufacturer != allDevicesManufacturer && u.Manufacturer != allControllersManufacturer
}

// IsBroadcast reports whether this UID's device field is the broadcast form.
func (u UID) IsBroadcast() bool {
	return u.Device == broadcastDevice
}

// IsDynamicRequest reports whether this UID is a "please assign me a dynamic
// UID" request as encoded by a client: high bit of Device set and Device != 0
// in that encoding (the low 31 bits are not the broadcast sentinel).
func (u UID) IsDynamicRequest() bool {
	return u.Device&dynamicRequestFlag != 0 && u.Device != broadcastDevice
}

// IsStatic reports whether this UID is a manufacturer-assigned static ID,
// i.e. neither broadcast nor a dynamic-UID request.
func (u UID) IsStatic() bool {
	return !u.IsBroadcast() && !u.IsDynamicRequest()
}

// String renders the UID in the conventional manufacturer:device hex form.
func (u UID) String() string {
	return fmt.Sprintf("%04x:%08x", u.Manufacturer, u.Device)
}

// Equal reports whether two UIDs address the same manufacturer and device.
func (u UID) Equal(o UID) bool {
	return u.Manufacturer == o.Manufacturer && u.Device == o.Device
}

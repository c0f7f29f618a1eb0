package wiser

import (
	"strconv"

	"github.com/nerrad567/wiser-sync/internal/state"
)

// Gateway-level object ids.
const (
	infoChannel    = "info"
	gatewayChannel = "info.gateway"
	systemChannel  = "system"
	flagsChannel   = "system.flags"
	jobsChannel    = "system.jobs"
)

// Device-level attributes.
const (
	attrDeviceType   = "type"
	attrDeviceID     = "device"
	attrFirmware     = "firmware"
	attrSerial       = "serial"
	attrProduct      = "product"
	attrLastSeen     = "last_seen"
	attrLoadID       = "id"
	attrLoadChannel  = "channel"
	attrLoadUnused   = "unused"
	attrLoadName     = "name"
	attrLoadRoom     = "room"
	attrLoadKind     = "kind"
	channelActions   = "ACTIONS"
	channelFlags     = "flags"
	rssiMin, rssiMax = -100, -1
)

func f64(v float64) *float64 { return &v }

func channel(id, name string) state.Object {
	return state.Object{ID: id, Kind: state.KindChannel, Name: name}
}

// value is a read-only informational state.
func value(id, name, typ string) state.Object {
	return state.Object{ID: id, Kind: state.KindState, Name: name, ValueType: typ, Role: "value"}
}

// control is a writable state forwarded to the gateway.
func control(id, name, role string, max float64) state.Object {
	return state.Object{
		ID:         id,
		Kind:       state.KindState,
		Name:       name,
		ValueType:  state.TypeNumber,
		Role:       role,
		Min:        f64(0),
		Max:        f64(max),
		Writable:   true,
		Actionable: true,
	}
}

func connectionObject() state.Object {
	o := value(PathConnection, "Connected to gateway event stream", state.TypeBoolean)
	o.Role = "indicator.connected"
	return o
}

func rssiObject() state.Object {
	o := value(PathRSSI, "Received signal strength of the gateway", state.TypeNumber)
	o.Min, o.Max = f64(rssiMin), f64(rssiMax)
	o.Unit = "dBm"
	return o
}

// baseObjects exist before the first bootstrap pass so connectivity can
// be recorded from the start.
func baseObjects() []state.Object {
	return []state.Object{
		channel(infoChannel, "Gateway information"),
		connectionObject(),
		rssiObject(),
	}
}

// gatewayInfoObjects maps GET /api/info fields to their state ids.
func gatewayInfoObjects(info GatewayInfo) ([]state.Object, map[string]any) {
	objs := []state.Object{channel(gatewayChannel, "Gateway")}
	values := map[string]any{}
	add := func(attr, name, v string) {
		id := gatewayChannel + "." + attr
		objs = append(objs, value(id, name, state.TypeString))
		values[id] = v
	}
	add("product", "Product", info.Product)
	add("instance_id", "Instance ID", info.InstanceID)
	add("sw_version", "Software version", info.SWVersion)
	add("api_version", "API version", info.APIVersion)
	add("sn", "Serial number", info.SN)
	return objs, values
}

func deviceObject(deviceID, name string) state.Object {
	return state.Object{ID: deviceID, Kind: state.KindDevice, Name: name}
}

// deviceTypeName is the display name of a device derived from its first load.
func deviceTypeName(t MainType) string {
	switch t {
	case TypeOnOff:
		return "Switchable light"
	case TypeDim:
		return "LED universal dimmer"
	case TypeDALI:
		return "DALI dimmer"
	case TypeMotor:
		return "Blind switch"
	default:
		return "Wiser device"
	}
}

// deviceTreeObjects maps one entry of GET /api/devices/* to states under the device.
func deviceTreeObjects(d Device) ([]state.Object, map[string]any) {
	name := "Wiser device"
	module := d.A
	if module == nil {
		module = d.C
	}
	if module != nil && module.CommName != "" {
		name = module.CommName
	}

	objs := []state.Object{deviceObject(d.ID, name)}
	values := map[string]any{}
	add := func(attr, label, typ string, v any) {
		id := d.ID + "." + attr
		objs = append(objs, value(id, label, typ))
		values[id] = v
	}
	add(attrLastSeen, "Last seen (s)", state.TypeNumber, d.LastSeen)
	if module != nil {
		add(attrFirmware, "Firmware version", state.TypeString, module.FWVersion)
		add(attrSerial, "Serial number", state.TypeString, module.SerialNr)
		add(attrProduct, "Product reference", state.TypeString, module.CommRef)
	}
	return objs, values
}

// loadObjects returns the full object tree of one load: device, channel,
// metadata states and the action and flag states of its variant.
func loadObjects(l Load) []state.Object {
	ch := ChannelID(l.Device, l.ID)
	at := func(attr string) string { return LoadPath(l, attr).String() }

	objs := []state.Object{
		deviceObject(l.Device, deviceTypeName(l.Type)),
		value(l.Device+"."+attrDeviceType, "Device type", state.TypeString),
		value(l.Device+"."+attrDeviceID, "Device ID", state.TypeString),
		channel(ch, deviceTypeName(l.Type)+" load "+strconv.Itoa(l.ID)),
		channel(at(channelActions), "Actions"),
		value(at(attrLoadID), "Load ID", state.TypeNumber),
		value(at(attrLoadChannel), "Device channel", state.TypeNumber),
		value(at(attrLoadUnused), "Unused", state.TypeBoolean),
		value(at(attrLoadName), "Load name", state.TypeString),
		value(at(attrLoadRoom), "Room", state.TypeNumber),
		value(at(attrLoadKind), "Kind", state.TypeNumber),
	}

	flags := func(names []string) {
		objs = append(objs, channel(at(channelFlags), "Flags"))
		for _, name := range names {
			objs = append(objs, value(at(FlagAttr(name)), name, state.TypeNumber))
		}
	}

	switch v := l.Variant().(type) {
	case OnOff:
		if v.SubType == SubDTO {
			o := control(at(AttrBri), "Power", "switch", 1)
			o.ValueType = state.TypeBoolean
			o.Min, o.Max = nil, nil
			objs = append(objs, o)
		} else {
			objs = append(objs, control(at(AttrBri), "Power on/off", "switch", briMax))
		}
	case Dimmer:
		objs = append(objs, control(at(AttrBri), "Brightness", "level.dimmer", briMax))
		flags(dimmerFlags)
	case DALI:
		objs = append(objs, control(at(AttrBri), "Brightness", "level.dimmer", briMax))
		// Colour channels are reported but not controllable.
		readOnly := func(attr, name, role string) {
			o := value(at(attr), name, state.TypeNumber)
			o.Role = role
			objs = append(objs, o)
		}
		switch v.SubType {
		case SubTW:
			readOnly(AttrCT, "Colour temperature", "level.color.temperature")
		case SubRGB:
			readOnly(AttrRed, "Red", "level.color.red")
			readOnly(AttrGreen, "Green", "level.color.green")
			readOnly(AttrBlue, "Blue", "level.color.blue")
			readOnly(AttrWhite, "White", "level.color.white")
		}
		flags(dimmerFlags)
	case Motor:
		objs = append(objs,
			control(at(AttrLevel), "Blind level", "level.blind", levelMax),
			control(at(AttrTilt), "Blind tilt", "level.tilt", tiltMax),
			value(at(AttrMoving), "Moving", state.TypeString),
			channel(at(AttrLevelTilt), "Set blind with level and tilt"),
		)
		// The siblings are stored only; SET sends them together.
		level := control(at(AttrLTLevel), "Blind level", "value", levelMax)
		level.Actionable = false
		tilt := control(at(AttrLTTilt), "Blind tilt", "value", tiltMax)
		tilt.Actionable = false
		set := state.Object{
			ID:         at(AttrLTSet),
			Kind:       state.KindState,
			Name:       "Set blind",
			ValueType:  state.TypeBoolean,
			Role:       "button",
			Writable:   true,
			Actionable: true,
		}
		objs = append(objs, level, tilt, set)
		flags(motorFlags)
	}

	return objs
}

// loadValues are the metadata values refreshed on every inventory pass.
func loadValues(l Load) map[string]any {
	at := func(attr string) string { return LoadPath(l, attr).String() }
	return map[string]any{
		l.Device + "." + attrDeviceType: string(l.Type),
		l.Device + "." + attrDeviceID:   l.Device,
		at(attrLoadID):                  l.ID,
		at(attrLoadChannel):             l.Channel,
		at(attrLoadUnused):              l.Unused,
		at(attrLoadName):                l.Name,
		at(attrLoadRoom):                l.Room,
		at(attrLoadKind):                l.Kind,
	}
}

func flagObject(f Flag) state.Object {
	name := f.Name
	if name == "" {
		name = f.Symbol
	}
	o := value(SystemFlagPath(f.ID), name, state.TypeNumber)
	o.Role = "indicator"
	return o
}

func jobObject(j Job) state.Object {
	return value(JobPath(j.ID), j.Name, state.TypeJSON)
}

// jobValue is the stored form of a job definition.
func jobValue(j Job) map[string]any {
	v := map[string]any{
		"name":     j.Name,
		"flag_ids": j.FlagIDs,
	}
	if len(j.TargetStates) > 0 {
		v["target_states"] = j.TargetStates
	}
	return v
}

func systemObjects() []state.Object {
	return []state.Object{
		channel(systemChannel, "System"),
		channel(flagsChannel, "System flags"),
		channel(jobsChannel, "Jobs"),
	}
}

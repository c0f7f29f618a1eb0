package wiser

import (
	"fmt"
	"strconv"
	"strings"
)

// Load attributes exposed to the host state store.
const (
	AttrBri       = "ACTIONS.BRI"
	AttrLevel     = "ACTIONS.LEVEL"
	AttrTilt      = "ACTIONS.TILT"
	AttrCT        = "ACTIONS.CT"
	AttrRed       = "ACTIONS.RED"
	AttrGreen     = "ACTIONS.GREEN"
	AttrBlue      = "ACTIONS.BLUE"
	AttrWhite     = "ACTIONS.WHITE"
	AttrLevelTilt = "ACTIONS.leveltilt"
	AttrLTLevel   = "ACTIONS.leveltilt.level"
	AttrLTTilt    = "ACTIONS.leveltilt.tilt"
	AttrLTSet     = "ACTIONS.leveltilt.SET"
	AttrMoving    = "moving"
	flagsPrefix   = "flags."
)

// Gateway-level state ids.
const (
	PathConnection = "info.connection"
	PathRSSI       = "info.rssi"
)

// FlagAttr returns the attribute of a named load flag.
func FlagAttr(name string) string { return flagsPrefix + name }

// SystemFlagPath returns the state id of a gateway system flag.
func SystemFlagPath(id int) string { return "system.flags." + strconv.Itoa(id) }

// JobPath returns the state id of a gateway job definition.
func JobPath(id int) string { return "system.jobs." + strconv.Itoa(id) }

// StatePath addresses one attribute of one load: <dev>.<dev>_<id>.<attribute>.
type StatePath struct {
	DeviceID  string
	LoadID    int
	Attribute string
}

// LoadPath builds the path of attr on load l.
func LoadPath(l Load, attr string) StatePath {
	return StatePath{DeviceID: l.Device, LoadID: l.ID, Attribute: attr}
}

// Channel returns the load's channel id, e.g. "A1.A1_7".
func (p StatePath) Channel() string {
	return ChannelID(p.DeviceID, p.LoadID)
}

func (p StatePath) String() string {
	if p.Attribute == "" {
		return p.Channel()
	}
	return p.Channel() + "." + p.Attribute
}

// ChannelID returns the object id grouping all states of one load.
func ChannelID(deviceID string, loadID int) string {
	return fmt.Sprintf("%s.%s_%d", deviceID, deviceID, loadID)
}

// ParseStatePath parses "A1.A1_7.ACTIONS.BRI".
func ParseStatePath(s string) (StatePath, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 3 || parts[0] == "" || parts[2] == "" {
		return StatePath{}, fmt.Errorf("%w: %q", ErrInvalidPath, s)
	}

	device := parts[0]
	idStr, ok := strings.CutPrefix(parts[1], device+"_")
	if !ok {
		return StatePath{}, fmt.Errorf("%w: %q: channel does not match device", ErrInvalidPath, s)
	}
	id, err := strconv.Atoi(idStr)
	if err != nil || id < 0 {
		return StatePath{}, fmt.Errorf("%w: %q: bad load id", ErrInvalidPath, s)
	}

	return StatePath{DeviceID: device, LoadID: id, Attribute: parts[2]}, nil
}

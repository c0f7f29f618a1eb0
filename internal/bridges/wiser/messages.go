package wiser

import "encoding/json"

// dumpLoadsCommand asks the gateway to push the state of every load.
// Sent once each time a WebSocket session opens.
var dumpLoadsCommand = []byte(`{"command":"dump_loads"}`)

// frame is an inbound WebSocket message: exactly one of Load or Flag is set.
type frame struct {
	Load *loadEvent `json:"load"`
	Flag *flagEvent `json:"flag"`
}

type loadEvent struct {
	ID    *int      `json:"id"`
	State loadState `json:"state"`
}

// loadState is the union of every field any load type reports.
// Pointers distinguish an absent field from a zero value.
type loadState struct {
	Bri    *int           `json:"bri"`
	Level  *int           `json:"level"`
	Tilt   *int           `json:"tilt"`
	Moving *string        `json:"moving"`
	CT     *int           `json:"ct"`
	Red    *int           `json:"red"`
	Green  *int           `json:"green"`
	Blue   *int           `json:"blue"`
	White  *int           `json:"white"`
	Flags  map[string]any `json:"flags"`
}

type flagEvent struct {
	ID    *int `json:"id"`
	Value any  `json:"value"`
}

// TargetState is the body of PUT /api/loads/{id}/target_state.
type TargetState struct {
	Bri   *int `json:"bri,omitempty"`
	Level *int `json:"level,omitempty"`
	Tilt  *int `json:"tilt,omitempty"`
}

// envelope wraps every gateway REST response.
type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// GatewayInfo is returned by GET /api/info.
type GatewayInfo struct {
	Product    string `json:"product"`
	InstanceID string `json:"instance_id"`
	SWVersion  string `json:"sw_version"`
	APIVersion string `json:"api_version"`
	SN         string `json:"sn"`
}

// DeviceModule describes one half (actuator "a" or control "c") of a device.
type DeviceModule struct {
	FWVersion string `json:"fw_version"`
	CommRef   string `json:"comm_ref"`
	CommName  string `json:"comm_name"`
	SerialNr  string `json:"serial_nr"`
	Address   string `json:"address"`
}

// Device is one physical device from GET /api/devices/*.
type Device struct {
	ID       string        `json:"id"`
	LastSeen int           `json:"last_seen"`
	A        *DeviceModule `json:"a"`
	C        *DeviceModule `json:"c"`
}

// Job is a gateway job definition from GET /api/jobs.
type Job struct {
	ID           int             `json:"id"`
	Name         string          `json:"name"`
	FlagIDs      []int           `json:"flag_ids"`
	TargetStates json.RawMessage `json:"target_states"`
}

// Flag is a gateway system flag from GET /api/system/flags.
type Flag struct {
	ID     int    `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Value  any    `json:"value"`
}

type rssiData struct {
	RSSI int `json:"rssi"`
}

type claimRequest struct {
	User string `json:"user"`
}

type claimResponse struct {
	Secret string `json:"secret"`
	User   string `json:"user"`
}

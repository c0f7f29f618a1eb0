package influxdb

import "errors"

// Sentinel errors. Asynchronous write failures go to the SetOnError callback.
var (
	ErrNotConnected     = errors.New("influxdb: not connected")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
)

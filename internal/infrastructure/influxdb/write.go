package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements written by the service.
const (
	MeasurementStateValues = "state_values"
	MeasurementGatewayRSSI = "gateway_rssi"
)

// WriteStateValue records one numeric state value. Booleans are recorded
// by the caller as 0/1.
func (c *Client) WriteStateValue(id string, value float64, ack bool, ts time.Time) {
	c.writePoint(MeasurementStateValues,
		map[string]string{"state_id": id},
		map[string]any{"value": value, "ack": ack},
		ts,
	)
}

// RecordState implements state.Recorder. Only confirmed values are kept.
func (c *Client) RecordState(id string, value float64, ack bool, ts time.Time) {
	if !ack {
		return
	}
	c.WriteStateValue(id, value, ack, ts)
}

// WriteSignalStrength records the gateway's WLAN signal in dBm.
func (c *Client) WriteSignalStrength(dbm int, ts time.Time) {
	c.writePoint(MeasurementGatewayRSSI, nil, map[string]any{"dbm": dbm}, ts)
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	all := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		all[k] = v
	}
	if c.site != "" {
		all["site"] = c.site
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, all, fields, ts))
}

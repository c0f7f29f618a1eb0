// Package influxdb records host state values and gateway signal strength
// to InfluxDB v2 using the batched, non-blocking write API.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteSignalStrength(-61, time.Now())
package influxdb

// Package mqtt connects to the MQTT broker that mirrors the host state tree.
//
// The client wraps paho.mqtt.golang with validation, panic-safe handlers,
// subscription restore on reconnect and a retained online/offline status
// with a last will. Topic layout lives in Topics.
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.NewTopics(cfg.MQTT.TopicPrefix, cfg.Site.ID))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package mqtt

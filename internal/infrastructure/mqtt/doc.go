// Package mqtt connects the control room to an MQTT broker.
//
// It is optional and serves two purposes:
//   - mirroring broker events (routed, dropped and sent commands) so that
//     external dashboards can watch module traffic
//   - accepting remote commands for modules on a command topic
//
// # Topics
//
// With the default prefix "controlroom":
//
//	controlroom/events/frame.routed    event mirror (not retained)
//	controlroom/events/frame.dropped
//	controlroom/events/command.sent
//	controlroom/command/{module}       inbound {"command","payload"}
//	controlroom/system/status          online/offline status (retained, LWT)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	dispatcher.Subscribe(mqtt.NewMirror(client, byte(cfg.MQTT.QoS), logger))
//
// Use TLS (cfg.Broker.TLS) outside local development.
package mqtt

// Package mqtt provides the MQTT client used by LaserLink Core.
//
// The broker is the inter-instance bus: the discovery master publishes the
// merged device list on it, slaves forward poke requests through it, and
// device status changes are published for other tooling to observe.
//
// # Features
//
//   - Auto-reconnect with subscriptions restored after each reconnect
//   - Retained online/offline status per instance, with a Last Will
//   - Handler panic recovery so one bad payload cannot kill the client
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.DiscoveryDevices(), 1,
//	    func(topic string, payload []byte) error {
//	        return handleUpdate(payload)
//	    })
//
// Use TLS and broker credentials whenever the broker is reachable from
// outside the workstation.
package mqtt

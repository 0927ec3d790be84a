// Package mqtt provides the MQTT client used to mirror device state onto a
// broker and accept relay commands from it.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after reconnect
//   - Last Will and Testament (LWT) for offline detection
//
// # Topics
//
//	v900/device/{id}/state      retained device snapshot
//	v900/device/{id}/presence   retained "online" / "offline"
//	v900/device/{id}/command    relay commands towards a device
//	v900/alert/{type}           raised alerts
//	v900/system/status          core status, also the LWT topic
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        id, _ := mqtt.ParseDeviceCommandTopic(topic)
//	        return handle(id, payload)
//	    })
package mqtt

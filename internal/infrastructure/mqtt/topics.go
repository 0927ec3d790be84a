package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic this service publishes or consumes.
const TopicPrefix = "v900"

// Topics provides builders for MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceState("esp01") // "v900/device/esp01/state"
type Topics struct{}

// DeviceState returns the retained snapshot topic for a device.
func (Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/state", TopicPrefix, deviceID)
}

// DevicePresence returns the retained presence topic for a device.
func (Topics) DevicePresence(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/presence", TopicPrefix, deviceID)
}

// DeviceCommand returns the command topic for a device.
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/command", TopicPrefix, deviceID)
}

// AllDeviceCommands returns the wildcard subscription for every device's
// command topic.
func (Topics) AllDeviceCommands() string {
	return TopicPrefix + "/device/+/command"
}

// Alert returns the topic alerts of the given type are published on.
func (Topics) Alert(alertType string) string {
	return fmt.Sprintf("%s/alert/%s", TopicPrefix, alertType)
}

// SystemStatus returns the core status topic, also used for the LWT.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// ParseDeviceCommandTopic extracts the device ID from a command topic.
func ParseDeviceCommandTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[1] != "device" || parts[3] != "command" {
		return "", false
	}
	if parts[2] == "" || parts[2] == "+" || parts[2] == "#" {
		return "", false
	}
	return parts[2], true
}

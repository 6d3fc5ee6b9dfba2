package mqtt

import "fmt"

// TopicPrefix is the root of every LaserLink topic.
const TopicPrefix = "laserlink"

// Topics builds LaserLink topic names.
//
//	mqtt.Topics{}.DeviceStatus("5b1c...")  // laserlink/device/5b1c.../status
type Topics struct{}

// DiscoveryDevices carries the master's merged device list (UpdateDevices).
// Published retained so a slave that starts late sees the current list.
func (Topics) DiscoveryDevices() string {
	return TopicPrefix + "/discovery/devices"
}

// DiscoveryPoke carries PokeIP requests from slaves to the master.
func (Topics) DiscoveryPoke() string {
	return TopicPrefix + "/discovery/poke"
}

// DiscoveryMaster carries master role announcements.
func (Topics) DiscoveryMaster() string {
	return TopicPrefix + "/discovery/master"
}

// DeviceStatus carries job status notifications for one device.
func (Topics) DeviceStatus(uuid string) string {
	return fmt.Sprintf("%s/device/%s/status", TopicPrefix, uuid)
}

// AllDeviceStatus matches DeviceStatus for every device.
func (Topics) AllDeviceStatus() string {
	return TopicPrefix + "/device/+/status"
}

// InstanceStatus carries the retained online/offline state of one instance.
func (Topics) InstanceStatus(instanceID string) string {
	return fmt.Sprintf("%s/instance/%s/status", TopicPrefix, instanceID)
}

// AllInstanceStatus matches InstanceStatus for every instance.
func (Topics) AllInstanceStatus() string {
	return TopicPrefix + "/instance/+/status"
}

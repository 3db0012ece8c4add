package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/bifrost/internal/infrastructure/config"
	"github.com/nerrad567/bifrost/internal/infrastructure/mqtt"
	"github.com/nerrad567/bifrost/internal/volume"
)

// DeviceInfo holds the Home Assistant device registry fields.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// NumberConfig is the payload of an HA MQTT "number" discovery message.
type NumberConfig struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	CommandTopic        string     `json:"command_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	PayloadAvailable    string     `json:"payload_available"`
	PayloadNotAvailable string     `json:"payload_not_available"`
	Min                 int        `json:"min"`
	Max                 int        `json:"max"`
	Step                int        `json:"step"`
	Mode                string     `json:"mode"`
	Icon                string     `json:"icon,omitempty"`
	Retain              bool       `json:"retain"`
	Device              DeviceInfo `json:"device"`
}

// Discovery announces the volume as a Home Assistant number entity.
// The config is published retained on every (re)connect.
type Discovery struct {
	prefix  string
	nodeID  string
	name    string
	version string
	qos     byte
}

// NewDiscovery returns a Discovery for cfg.
func NewDiscovery(cfg config.HomeAssistantConfig, version string, qos byte) *Discovery {
	return &Discovery{
		prefix:  cfg.DiscoveryPrefix,
		nodeID:  cfg.NodeID,
		name:    cfg.Name,
		version: version,
		qos:     qos,
	}
}

// Topic is the discovery config topic.
func (d *Discovery) Topic() string {
	return fmt.Sprintf("%s/number/%s/volume/config", d.prefix, d.nodeID)
}

// Config builds the discovery payload for a connection's topics.
func (d *Discovery) Config(topics mqtt.Topics) NumberConfig {
	return NumberConfig{
		Name:                d.name,
		UniqueID:            d.nodeID + "_volume",
		StateTopic:          topics.Volume(),
		CommandTopic:        topics.VolumeSet(),
		AvailabilityTopic:   topics.Status(),
		PayloadAvailable:    mqtt.StatusOnline,
		PayloadNotAvailable: mqtt.StatusOffline,
		Min:                 volume.MinLevel,
		Max:                 volume.MaxLevel,
		Step:                1,
		Mode:                "slider",
		Icon:                "mdi:volume-high",
		Device: DeviceInfo{
			Identifiers:  []string{d.nodeID},
			Name:         d.name,
			Manufacturer: "Bifrost",
			Model:        "Volume bridge",
			SWVersion:    d.version,
		},
	}
}

// Announce publishes the discovery config on conn.
func (d *Discovery) Announce(conn Conn, topics mqtt.Topics) error {
	payload, err := json.Marshal(d.Config(topics))
	if err != nil {
		return fmt.Errorf("marshalling discovery config: %w", err)
	}
	return conn.Publish(d.Topic(), payload, d.qos, true)
}

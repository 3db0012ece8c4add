package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Volume history schema.
const (
	measurementVolume = "volume"
	tagBaseTopic      = "base_topic"
	fieldLevel        = "level"
)

// WriteVolume records a published volume level.
//
// The write is non-blocking; points are batched and sent asynchronously.
// It is a no-op once the client is closed.
//
//	client.WriteVolume("home/office", 42, time.Now())
func (c *Client) WriteVolume(baseTopic string, level int, at time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		measurementVolume,
		map[string]string{tagBaseTopic: baseTopic},
		map[string]interface{}{fieldLevel: level},
		at,
	)
	c.writeAPI.WritePoint(point)
}

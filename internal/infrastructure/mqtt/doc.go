// Package mqtt provides MQTT client connectivity for Bifrost.
//
// This package manages:
//   - Connections to a user-supplied broker URL with optional credentials
//   - Retained and plain publishing with QoS validation
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Availability reporting: a retained "offline" Last Will and an
//     "online" message on every connect
//   - Throwaway probe connections used to validate broker settings
//
// # Reconnection
//
// Connect never retries: a failed first attempt is returned as a
// *ConnectError carrying the broker's reason. Once established, a dropped
// connection is re-dialled by paho with exponential backoff when
// Options.AutoReconnect is set.
//
// # Security Considerations
//
//   - mqtts:// and ssl:// URLs use TLS 1.2 or newer
//   - Passwords are passed to the broker and never logged by this package
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, mqtt.Options{
//	    BrokerURL:   "mqtt://broker.local:1883",
//	    ClientID:    "bifrost-" + uuid.NewString(),
//	    StatusTopic: mqtt.NewTopics("home/office").Status(),
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.PublishRetained(mqtt.NewTopics("home/office").Volume(), []byte("42"))
//
// The mqtttest subpackage runs an embedded broker for tests.
package mqtt

// Package bridge keeps the local device volume and an MQTT broker in sync.
//
// It owns four cooperating parts:
//
//   - Session: the single live broker connection (connect, subscribe,
//     end, reconfigure)
//   - Poller: samples the device volume and publishes changes, retained,
//     to {base}/volume
//   - CommandApplier: applies integer payloads received on
//     {base}/volume/set to the device
//   - Validator: checks a submitted broker configuration structurally and
//     against the live broker before anything is persisted
//
// Bridge wires them together and implements the configure flow:
// validate, persist, end the old connection, connect the new one.
//
// # Concurrency
//
// The session handle is guarded by the Session's mutex. The last published
// level is confined to the Poller goroutine. Configure calls are serialized.
// At most one broker connection is live at any instant: a new one is only
// dialled after the previous one has been closed.
package bridge

package mqtt

import "strings"

// Topic suffixes under a base topic.
const (
	suffixVolume    = "volume"
	suffixVolumeSet = "volume/set"
	suffixStatus    = "status"
)

// Topics builds the topic namespace under one base topic.
//
//	topics := mqtt.NewTopics("home/office")
//	topics.Volume()    // "home/office/volume"
//	topics.VolumeSet() // "home/office/volume/set"
//	topics.Status()    // "home/office/status"
//	topics.All()       // "home/office/#"
type Topics struct {
	base string
}

// ValidBase reports whether base can prefix topics this client publishes
// to. Publish topics may not contain the + or # wildcards or NUL, and
// topics starting with $ are reserved by brokers.
func ValidBase(base string) bool {
	base = strings.TrimRight(base, "/")
	if base == "" || strings.HasPrefix(base, "$") {
		return false
	}
	return !strings.ContainsAny(base, "+#\x00")
}

// NewTopics returns builders for base. Trailing slashes are dropped so
// "home/office/" and "home/office" produce the same topics.
func NewTopics(base string) Topics {
	return Topics{base: strings.TrimRight(base, "/")}
}

// Base returns the normalised base topic.
func (t Topics) Base() string {
	return t.base
}

// Volume is the retained state topic carrying the device volume.
func (t Topics) Volume() string {
	return t.base + "/" + suffixVolume
}

// VolumeSet is the command topic for setting the device volume.
func (t Topics) VolumeSet() string {
	return t.base + "/" + suffixVolumeSet
}

// Status is the retained availability topic ("online" / "offline").
func (t Topics) Status() string {
	return t.base + "/" + suffixStatus
}

// All is the wildcard filter covering every topic under the base.
func (t Topics) All() string {
	return t.base + "/#"
}

// Covers reports whether topic falls under the All() filter.
func (t Topics) Covers(topic string) bool {
	return strings.HasPrefix(topic, t.base+"/")
}

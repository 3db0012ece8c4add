// Package volume reads and writes the local device volume.
//
// Three sources are available, selected by volume.backend:
//
//   - mpd: the volume of a Music Player Daemon instance
//   - amixer: an ALSA mixer control, driven through the amixer tool
//   - memory: an in-process level for development and tests
//
// Levels are integers from 0 to 100. Sources never queue or acknowledge:
// a read returns the current level and a write is applied immediately.
package volume

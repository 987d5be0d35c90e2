// Package storage persists modeshift state.
//
// It holds:
//   - modes (id, name, schedule in text form, ordered settings)
//   - the weekly charging toggle state
//   - pending one-shot job records, restored by the scheduler on start
//   - setting values for the store-backed settings gateway
//
// Records use plain text forms ("HH:MM", "0101010") so both drivers share
// one schema; domain packages convert them.
package storage

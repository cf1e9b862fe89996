package serialmux

import "strings"

// Line types streamed by the flight controller.
const (
	EventTypeRC      = "rc"    // RC <ch1> <ch2> ... PWM values
	EventTypeStick   = "stick" // STICK <roll> <pitch> <throttle> <yaw>
	EventTypeKey     = "key"   // KEY <name>
	EventTypeAck     = "ack"   // ACK/OK/ERR replies to commands
	EventTypeUnknown = "unknown"
)

// ClassifyPayload returns the event type of a line from the first token.
// Matching is case-insensitive.
func ClassifyPayload(payload string) string {
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return EventTypeUnknown
	}
	switch strings.ToUpper(fields[0]) {
	case "RC":
		return EventTypeRC
	case "STICK":
		return EventTypeStick
	case "KEY":
		return EventTypeKey
	case "ACK", "OK", "ERR":
		return EventTypeAck
	}
	return EventTypeUnknown
}

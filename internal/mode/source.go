package mode

import "fmt"

// Source identifies the actor behind a mode change.
type Source string

const (
	SourceNone           Source = "none"
	SourceRCChannel      Source = "rc_channel"
	SourceManualKeyboard Source = "manual_keyboard"
	SourceHTTP           Source = "http_api"
	SourceProgrammatic   Source = "programmatic"
	SourceTimeout        Source = "timeout"
)

var sourcePriority = map[Source]int{
	SourceNone:           0,
	SourceTimeout:        10,
	SourceProgrammatic:   30,
	SourceHTTP:           30,
	SourceManualKeyboard: 80,
	SourceRCChannel:      100,
}

// Priority ranks sources for logging and status output. It does not
// arbitrate: only the manual override inhibits tracking.
func (s Source) Priority() int {
	return sourcePriority[s]
}

// IsManual reports whether the source represents a human at the controls.
func (s Source) IsManual() bool {
	return s == SourceRCChannel || s == SourceManualKeyboard
}

func (s Source) String() string { return string(s) }

// ParseSource validates a source name.
func ParseSource(name string) (Source, error) {
	s := Source(name)
	if _, ok := sourcePriority[s]; !ok {
		return SourceNone, fmt.Errorf("unknown mode source %q", name)
	}
	return s, nil
}

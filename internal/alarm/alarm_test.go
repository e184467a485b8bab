package alarm

import "testing"

func TestLogSink_ImplementsSinkWithoutPanicking(t *testing.T) {
	var s Sink = NewLogSink()
	s.Raise("timeout", "AABBCC", "11 consecutive timeouts")
	s.NotifyPresence("AABBCC", false)
}

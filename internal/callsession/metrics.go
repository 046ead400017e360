package callsession

import "time"

// nilMetrics is installed when a Manager is built without a Metrics
// implementation, so the hot path never has to nil-check before recording.
type nilMetrics struct{}

func (nilMetrics) CallStarted(string)               {}
func (nilMetrics) CallEnded(string, string)          {}
func (nilMetrics) AudioBytes(string, int, int)       {}
func (nilMetrics) AudioChunks(string, int, int)      {}
func (nilMetrics) ResponseLatency(string, time.Duration) {}
func (nilMetrics) BargeIn(string)                    {}
func (nilMetrics) ActiveSessions(int)                {}

var _ Metrics = nilMetrics{}

package callsession

import (
	"context"
	"time"
)

const idleWatchdogInterval = 5 * time.Second

// idleWatchdog polls every 5s comparing time-since-last-activity against
// the tenant's idle timeout and total call duration against its max
// duration, per §4.7.6. It exits once the session reaches Ended.
func (s *Session) idleWatchdog(ctx context.Context) {
	idleTimeout := s.idleTimeout()
	maxDuration := s.maxDuration()

	ticker := time.NewTicker(idleWatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ended:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idleFor := time.Since(s.lastActivity)
			totalFor := time.Since(s.startedAt)
			s.mu.Unlock()

			if idleTimeout > 0 && idleFor >= idleTimeout {
				s.stop(context.Background(), "idle_timeout")
				return
			}
			if maxDuration > 0 && totalFor >= maxDuration {
				s.stop(context.Background(), "max_duration")
				return
			}
		}
	}
}

func (s *Session) idleTimeout() time.Duration {
	if s.cfg.IdleTimeoutSec > 0 {
		return time.Duration(s.cfg.IdleTimeoutSec) * time.Second
	}
	return 30 * time.Second
}

func (s *Session) maxDuration() time.Duration {
	if s.cfg.MaxDurationSec > 0 {
		return time.Duration(s.cfg.MaxDurationSec) * time.Second
	}
	return 600 * time.Second
}

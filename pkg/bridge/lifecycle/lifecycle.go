package lifecycle

import "sync/atomic"

// Lifecycle holds the process drain flag shared across handlers. While
// draining, the webhook front door rejects new calls and readiness fails.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

package client

import "time"

const (
	reconnectBase     = time.Second
	reconnectCeiling  = 30 * time.Second
	reconnectMaxShift = 5
)

// reconnectDelay returns the backoff before reconnect attempt n
// (0-based): 1s, 2s, 4s, ... capped at 30s.
func reconnectDelay(attempts int) time.Duration {
	shift := attempts
	if shift > reconnectMaxShift {
		shift = reconnectMaxShift
	}
	d := reconnectBase << uint(shift)
	if d > reconnectCeiling {
		d = reconnectCeiling
	}
	return d
}

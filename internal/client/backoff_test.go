package client

import (
	"testing"
	"time"
)

func TestReconnectDelay(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := reconnectDelay(tc.attempts); got != tc.want {
			t.Errorf("reconnectDelay(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

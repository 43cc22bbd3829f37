// Package retry provides the reconnect/retry backoff shared by the queue
// consumer and the REST client.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Doubling waits Initial, 2·Initial, 4·Initial, ... and starts over at
// Initial once the next wait would exceed Max. It never returns backoff.Stop.
type Doubling struct {
	Initial time.Duration
	Max     time.Duration
	current time.Duration
}

var _ backoff.BackOff = (*Doubling)(nil)

// NewDoubling 建立倍增退避
func NewDoubling(initial, max time.Duration) *Doubling {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Doubling{Initial: initial, Max: max, current: initial}
}

// NextBackOff returns the next wait.
func (d *Doubling) NextBackOff() time.Duration {
	if d.current <= 0 {
		d.current = d.Initial
	}
	next := d.current
	d.current *= 2
	if d.current > d.Max {
		d.current = d.Initial
	}
	return next
}

// Reset starts the sequence over.
func (d *Doubling) Reset() {
	d.current = d.Initial
}

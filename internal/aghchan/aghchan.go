// Package aghchan contains channel utilities.
package aghchan

import (
	"fmt"
	"time"
)

// MustReceive returns the next value received from c, panicking if nothing
// arrives before timeout runs out.  ok is false if c was closed.
func MustReceive[T any](c <-chan T, timeout time.Duration) (v T, ok bool) {
	select {
	case <-time.After(timeout):
		panic(fmt.Errorf("nothing received after %s", timeout))
	case v, ok = <-c:
		return v, ok
	}
}

// Package util carries small helpers shared by tests that exercise the
// scheduler's background loops.
package util

import (
	"sync"
	"time"
)

// WaitTimeout waits for a WaitGroup with an upper bound. It returns true
// when the timeout fires before the group drains, so callers can assert
// that render workers finished instead of hanging the test.
func WaitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		wg.Wait()
	}()
	select {
	case <-ch:
		return false
	case <-time.After(timeout):
		return true
	}
}

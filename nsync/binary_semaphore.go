// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync

import "time"

// A binarySemaphore is a binary semaphore; it can have values 0 and 1.
type binarySemaphore struct {
	ch chan struct{}
}

// Init() initializes binarySemaphore *s; the initial value is 0.
func (s *binarySemaphore) Init() {
	s.ch = make(chan struct{}, 1)
}

// P() waits until the count of semaphore *s is 1 and decrements the
// count to 0.
func (s *binarySemaphore) P() {
	<-s.ch
}

// PWithDeadline() waits until one of:
// the count of semaphore *s is 1, in which case the semaphore is decremented to 0, then OK is returned;
// or absDeadline passes, then Expired is returned.
// deadlineTimer must be stopped on entry, and is stopped on return.
func (s *binarySemaphore) PWithDeadline(deadlineTimer *time.Timer, absDeadline time.Time) (res int) {
	if absDeadline == NoDeadline {
		<-s.ch
		return OK
	}
	// Avoid the timer if possible---it's slow.
	select {
	case <-s.ch:
		return OK
	default:
	}
	d := time.Until(absDeadline)
	if d <= 0 {
		return Expired
	}
	deadlineTimer.Reset(d)
	select {
	case <-s.ch:
		res = OK
		if !deadlineTimer.Stop() {
			// Fired concurrently; consume the value if it is there.
			select {
			case <-deadlineTimer.C:
			default:
			}
		}
	case <-deadlineTimer.C:
		res = Expired
	}
	return res
}

// V() ensures that the semaphore count of *s is 1.
func (s *binarySemaphore) V() {
	select {
	case s.ch <- struct{}{}:
	default: // Don't block if the semaphore count is already 1.
	}
}

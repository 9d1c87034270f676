// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync_test

import "strings"
import "sync"
import "testing"
import "time"

import "golang.org/x/sync/errgroup"

import "v.io/x/sync/nsync"

// ---------------------------

// A queue represents a FIFO queue with up to Limit elements.
// The storage for the queue expands as necessary up to Limit.
type queue struct {
	Limit    int           // max value of count---should not be changed after initialization
	nonEmpty nsync.CV      // signalled when count transitions from zero to non-zero
	nonFull  nsync.CV      // signalled when count transitions from Limit to less than Limit
	mu       nsync.Mu      // protects fields below
	data     []interface{} // in use elements are data[pos, ..., (pos+count-1)%len(data)]
	pos      int           // index of first in-use element
	count    int           // number of elements in use
}

// Put() adds v to the end of the FIFO *q and returns true, or if the FIFO already
// has Limit elements and continues to do so until absDeadline, do nothing and
// return false.
func (q *queue) Put(v interface{}, absDeadline time.Time) (added bool) {
	q.mu.Lock()
	for q.count == q.Limit && q.nonFull.WaitWithDeadline(&q.mu, absDeadline, nil) == nsync.OK {
	}
	if q.count != q.Limit {
		length := len(q.data)
		i := q.pos + q.count
		if q.count == length {
			newLength := length * 2
			if newLength == 0 {
				newLength = 16
			}
			if q.Limit < newLength {
				newLength = q.Limit
			}
			newData := make([]interface{}, newLength)
			if i <= length {
				copy(newData[:], q.data[q.pos:i])
			} else {
				n := copy(newData[:], q.data[q.pos:length])
				copy(newData[n:], q.data[:i-length])
			}
			q.pos = 0
			i = q.count
			q.data = newData
			length = newLength
		}
		if length <= i {
			i -= length
		}
		q.data[i] = v
		if q.count == 0 {
			q.nonEmpty.Broadcast()
		}
		q.count++
		added = true
	}
	q.mu.Unlock()
	return added
}

// Get() removes the first value from the front of the FIFO *q and returns it
// and true, or if the FIFO is empty and continues to be so until absDeadline,
// do nothing and return nil and false.
func (q *queue) Get(absDeadline time.Time) (v interface{}, ok bool) {
	q.mu.Lock()
	for q.count == 0 && q.nonEmpty.WaitWithDeadline(&q.mu, absDeadline, nil) == nsync.OK {
	}
	if q.count != 0 {
		v = q.data[q.pos]
		q.data[q.pos] = nil
		if q.count == q.Limit {
			q.nonFull.Broadcast()
		}
		q.pos++
		q.count--
		if q.pos == len(q.data) {
			q.pos = 0
		}
		ok = true
	}
	q.mu.Unlock()
	return v, ok
}

// ---------------------------

// producerN() Put()s count integers on *q, in the sequence start*3, (start+1)*3, (start+2)*3, ....
func producerN(t *testing.T, q *queue, start int, count int) {
	for i := 0; i != count; i++ {
		if !q.Put((start+i)*3, nsync.NoDeadline) {
			t.Errorf("queue.Put() returned false with no deadline")
			return
		}
	}
}

// consumerN() Get()s count integers from *q, and checks that they are in the
// sequence start*3, (start+1)*3, (start+2)*3, ....
func consumerN(t *testing.T, q *queue, start int, count int) {
	for i := 0; i != count; i++ {
		v, ok := q.Get(nsync.NoDeadline)
		if !ok {
			t.Fatalf("queue.Get() returned false with no deadline")
		}
		x, isInt := v.(int)
		if !isInt {
			t.Fatalf("queue.Get() returned non integer value; wanted int %d, got %#v", (start+i)*3, v)
		}
		if x != (start+i)*3 {
			t.Fatalf("queue.Get() returned bad value; want %d, got %d", (start+i)*3, x)
		}
	}
}

// producerConsumerN is the number of elements passed from producer to consumer in the
// TestCVProducerConsumerX() tests below.
const producerConsumerN = 300000

// TestCVProducerConsumer0() sends a stream of integers from a producer thread to
// a consumer thread via a queue with Limit 10**0.
func TestCVProducerConsumer0(t *testing.T) {
	q := queue{Limit: 1}
	go producerN(t, &q, 0, producerConsumerN)
	consumerN(t, &q, 0, producerConsumerN)
}

// TestCVProducerConsumer1() sends a stream of integers from a producer thread to
// a consumer thread via a queue with Limit 10**1.
func TestCVProducerConsumer1(t *testing.T) {
	q := queue{Limit: 10}
	go producerN(t, &q, 0, producerConsumerN)
	consumerN(t, &q, 0, producerConsumerN)
}

// TestCVProducerConsumer2() sends a stream of integers from a producer thread to
// a consumer thread via a queue with Limit 10**2.
func TestCVProducerConsumer2(t *testing.T) {
	q := queue{Limit: 100}
	go producerN(t, &q, 0, producerConsumerN)
	consumerN(t, &q, 0, producerConsumerN)
}

// TestCVProducerConsumer3() sends a stream of integers from a producer thread to
// a consumer thread via a queue with Limit 10**3.
func TestCVProducerConsumer3(t *testing.T) {
	q := queue{Limit: 1000}
	go producerN(t, &q, 0, producerConsumerN)
	consumerN(t, &q, 0, producerConsumerN)
}

// TestCVProducerConsumer4() sends a stream of integers from a producer thread to
// a consumer thread via a queue with Limit 10**4.
func TestCVProducerConsumer4(t *testing.T) {
	q := queue{Limit: 10000}
	go producerN(t, &q, 0, producerConsumerN)
	consumerN(t, &q, 0, producerConsumerN)
}

// TestCVProducerConsumer5() sends a stream of integers from a producer thread to
// a consumer thread via a queue with Limit 10**5.
func TestCVProducerConsumer5(t *testing.T) {
	q := queue{Limit: 100000}
	go producerN(t, &q, 0, producerConsumerN)
	consumerN(t, &q, 0, producerConsumerN)
}

// TestCVProducerConsumer6() sends a stream of integers from a producer thread to
// a consumer thread via a queue with Limit 10**6.
func TestCVProducerConsumer6(t *testing.T) {
	q := queue{Limit: 1000000}
	go producerN(t, &q, 0, producerConsumerN)
	consumerN(t, &q, 0, producerConsumerN)
}

// TestCVDeadline() checks timeouts on a CV WaitWithDeadline().
func TestCVDeadline(t *testing.T) {
	var mu nsync.Mu
	var cv nsync.CV

	// The following two values control how aggressively we police the timeout.
	const tooEarly time.Duration = 1 * time.Millisecond
	const tooLate time.Duration = 35 * time.Millisecond // longer, to accommodate scheduling delays
	const tooLateAllowed int = 3                        // number of iterations permitted to violate tooLate

	var tooLateViolations int
	mu.Lock()
	for i := 0; i != 50; i++ {
		startTime := time.Now()
		expectedEndTime := startTime.Add(87 * time.Millisecond)
		if cv.WaitWithDeadline(&mu, expectedEndTime, nil) != nsync.Expired {
			t.Fatalf("cv.Wait() returns non-Expired for a timeout")
		}
		endTime := time.Now()
		if endTime.Before(expectedEndTime.Add(-tooEarly)) {
			t.Errorf("cvWait() returned %v too early", expectedEndTime.Sub(endTime))
		}
		if endTime.After(expectedEndTime.Add(tooLate)) {
			tooLateViolations++
		}
	}
	mu.Unlock()
	if tooLateViolations > tooLateAllowed {
		t.Errorf("cvWait() returned too late %d times", tooLateViolations)
	}
}

// TestCVCancel() checks cancellations on a CV WaitWithDeadline().
func TestCVCancel(t *testing.T) {
	var mu nsync.Mu
	var cv nsync.CV

	// The loops below cancel after 87 milliseconds, like the timeout tests above.

	// The following two values control how aggressively we police the timeout.
	const tooEarly time.Duration = 1 * time.Millisecond
	const tooLate time.Duration = 35 * time.Millisecond // longer, to accommodate scheduling delays
	const tooLateAllowed int = 3                        // number of iterations permitted to violate tooLate

	var futureTime time.Time = time.Now().Add(1 * time.Hour) // a future time, to test cancels with pending timeout

	var tooLateViolations int
	mu.Lock()
	for i := 0; i != 50; i++ {
		startTime := time.Now()
		expectedEndTime := startTime.Add(87 * time.Millisecond)

		cancel := nsync.NewNote(nil, nsync.NoDeadline)
		time.AfterFunc(87*time.Millisecond, cancel.Notify)

		if cv.WaitWithDeadline(&mu, futureTime, cancel) != nsync.Cancelled {
			t.Fatalf("cv.Wait() return non-Cancelled for a cancellation")
		}
		endTime := time.Now()
		if endTime.Before(expectedEndTime.Add(-tooEarly)) {
			t.Errorf("cvWait() returned %v too early", expectedEndTime.Sub(endTime))
		}
		if endTime.After(expectedEndTime.Add(tooLate)) {
			tooLateViolations++
		}

		// Check that an already cancelled wait returns immediately.
		startTime = time.Now()
		if cv.WaitWithDeadline(&mu, nsync.NoDeadline, cancel) != nsync.Cancelled {
			t.Fatalf("cv.Wait() returns non-Cancelled for a cancellation")
		}
		endTime = time.Now()
		if endTime.Before(startTime) {
			t.Errorf("cvWait() returned %v too early", endTime.Sub(startTime))
		}
		if endTime.After(startTime.Add(tooLate)) {
			tooLateViolations++
		}
	}
	mu.Unlock()
	if tooLateViolations > tooLateAllowed {
		t.Errorf("cvWait() returned too late %d times", tooLateViolations)
	}
}

// TestCVNoteDeadline() checks that a cancellation Note whose own expiry time
// passes cancels a CV WaitWithDeadline().
func TestCVNoteDeadline(t *testing.T) {
	var mu nsync.Mu
	var cv nsync.CV
	const tooEarly time.Duration = 1 * time.Millisecond
	const tooLate time.Duration = 500 * time.Millisecond

	mu.Lock()
	for i := 0; i != 10; i++ {
		expectedEndTime := time.Now().Add(37 * time.Millisecond)
		cancel := nsync.NewNote(nil, expectedEndTime)
		if outcome := cv.WaitWithDeadline(&mu, nsync.NoDeadline, cancel); outcome != nsync.Cancelled {
			t.Fatalf("cv.WaitWithDeadline() with expiring Note returned %d, want Cancelled", outcome)
		}
		endTime := time.Now()
		if endTime.Before(expectedEndTime.Add(-tooEarly)) {
			t.Errorf("cv.WaitWithDeadline() returned %v too early", expectedEndTime.Sub(endTime))
		}
		if endTime.After(expectedEndTime.Add(tooLate)) {
			t.Errorf("cv.WaitWithDeadline() returned %v too late", endTime.Sub(expectedEndTime))
		}
		if !cancel.IsNotified() {
			t.Errorf("Note not notified after its expiry cancelled a wait")
		}
	}
	mu.Unlock()
}

// TestCVWithMutex() checks that an nsync.CV may be used with a sync.Mutex.
func TestCVWithMutex(t *testing.T) {
	var mu sync.Mutex
	var cv nsync.CV
	var ready bool
	done := make(chan struct{})
	go func() {
		mu.Lock()
		for !ready {
			cv.Wait(&mu)
		}
		mu.Unlock()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	ready = true
	cv.Signal()
	mu.Unlock()
	<-done

	mu.Lock()
	if cv.WaitWithDeadline(&mu, time.Now().Add(5*time.Millisecond), nil) != nsync.Expired {
		t.Errorf("cv.WaitWithDeadline() with sync.Mutex did not expire")
	}
	mu.Unlock()
}

// ---------------------------

// A cvTransferTest tests the transfer of waiters from a CV to the queue of
// its Mu.  Some threads wait on the CV holding the Mu in read mode, others
// in write mode; the waker holds the Mu in one mode or the other and calls
// Signal() or Broadcast().
type cvTransferTest struct {
	mu      nsync.Mu
	cv      nsync.CV
	waiting int // number of threads in the wait loop; under mu.
	woken   int // number of threads woken; under mu.
	gen     int // incremented by the waker; under mu.
	done    nsync.CV
}

// waitForGen() waits on t.cv until t.gen changes, holding t.mu in the
// given mode.
func (tt *cvTransferTest) waitForGen(reader bool) {
	var l sync.Locker = &tt.mu
	if reader {
		l = tt.mu.RLocker()
	}
	l.Lock()
	gen := tt.gen
	if reader {
		// Readers may not modify state, so the count of waiting
		// threads is taken in write mode before the wait.
		l.Unlock()
		tt.mu.Lock()
		tt.waiting++
		gen = tt.gen
		tt.done.Broadcast()
		tt.mu.Unlock()
		l.Lock()
	} else {
		tt.waiting++
		tt.done.Broadcast()
	}
	for tt.gen == gen {
		tt.cv.Wait(l)
	}
	if reader && !tt.mu.IsReader() {
		panic("reader woke holding nsync.Mu in write mode")
	}
	if !reader && tt.mu.IsReader() {
		panic("writer woke holding nsync.Mu in read mode")
	}
	l.Unlock()
	tt.mu.Lock()
	tt.woken++
	tt.done.Broadcast()
	tt.mu.Unlock()
}

// TestCVTransfer() checks every combination of waking with Signal() or
// Broadcast(), waiters that are readers or writers, and a waker that holds
// the Mu in read or write mode.  All waiters must wake in the mode in which
// they waited.
func TestCVTransfer(t *testing.T) {
	const nWaiters = 6
	for _, broadcast := range []bool{false, true} {
		for _, writers := range []int{0, 1, nWaiters / 2, nWaiters} {
			for _, wakerIsReader := range []bool{false, true} {
				tt := &cvTransferTest{}
				var g errgroup.Group
				for i := 0; i != nWaiters; i++ {
					reader := i >= writers
					g.Go(func() error {
						tt.waitForGen(reader)
						return nil
					})
				}
				tt.mu.Lock()
				for tt.waiting != nWaiters {
					tt.done.Wait(&tt.mu)
				}
				tt.gen++
				if wakerIsReader {
					tt.mu.Unlock()
					tt.mu.RLock()
				}
				if broadcast {
					tt.cv.Broadcast()
				} else {
					for i := 0; i != nWaiters; i++ {
						tt.cv.Signal()
					}
				}
				if wakerIsReader {
					tt.mu.RUnlock()
				} else {
					tt.mu.Unlock()
				}
				if err := g.Wait(); err != nil {
					t.Fatal(err)
				}
				tt.mu.Lock()
				if tt.woken != nWaiters {
					t.Errorf("broadcast=%v writers=%d wakerIsReader=%v: %d of %d waiters woke",
						broadcast, writers, wakerIsReader, tt.woken, nWaiters)
				}
				tt.mu.Unlock()
			}
		}
	}
}

// TestCVSignalReaders() checks that when the first waiter on a CV is a
// reader, one Signal() wakes all the readers.
func TestCVSignalReaders(t *testing.T) {
	const nReaders = 4
	tt := &cvTransferTest{}
	var g errgroup.Group
	for i := 0; i != nReaders; i++ {
		g.Go(func() error {
			tt.waitForGen(true)
			return nil
		})
	}
	tt.mu.Lock()
	for tt.waiting != nReaders {
		tt.done.Wait(&tt.mu)
	}
	tt.gen++
	tt.cv.Signal()
	tt.mu.Unlock()
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// TestCVDebugString() checks that the description of a CV lists its waiters.
func TestCVDebugString(t *testing.T) {
	var mu nsync.Mu
	var cv nsync.CV
	if s := cv.DebugString(); strings.Contains(s, "nonempty") {
		t.Errorf("empty cv.DebugString() = %q", s)
	}
	done := make(chan struct{})
	go func() {
		mu.RLock()
		cv.Wait(mu.RLocker())
		mu.RUnlock()
		close(done)
	}()
	for !strings.Contains(cv.DebugString(), "reader") {
		time.Sleep(time.Millisecond)
	}
	if s := cv.DebugString(); !strings.Contains(s, "nonempty") || !strings.Contains(s, "waiting") {
		t.Errorf("cv.DebugString() with a waiter = %q", s)
	}
	cv.Broadcast()
	<-done
}

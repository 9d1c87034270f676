// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync

import "runtime"
import "strings"
import "sync/atomic"
import "testing"
import "time"

// TestWaiterPool() checks that waiters are reused, that reservations are
// bounded by GOMAXPROCS, and that a waiter cannot be freed twice.
func TestWaiterPool(t *testing.T) {
	var ws []*waiter
	for i := 0; i != 2*runtime.GOMAXPROCS(0)+2; i++ {
		w := newWaiter()
		if w.tag != waiterTag || w.nw.w != w || (w.nw.flags&waiterFlagMuCV) == 0 {
			t.Fatalf("newWaiter() returned a malformed waiter")
		}
		if w.noteNW.sem != &w.sem || w.nw.sem != &w.sem {
			t.Fatalf("newWaiter() returned a waiter whose Waiters do not share its semaphore")
		}
		ws = append(ws, w)
	}
	if n := atomic.LoadInt32(&reservedCount); n > int32(runtime.GOMAXPROCS(0)) {
		t.Errorf("%d waiters reserved, more than GOMAXPROCS", n)
	}
	for _, w := range ws {
		freeWaiter(w)
	}

	w := newWaiter()
	freeWaiter(w)
	defer func() {
		msg, _ := recover().(string)
		if !strings.Contains(msg, "freed twice") {
			t.Errorf("double freeWaiter() panicked with %q", msg)
		}
	}()
	freeWaiter(w)
}

// TestBinarySemaphore() checks that V() before P() is remembered, that
// repeated V() calls saturate, and that PWithDeadline() expires.
func TestBinarySemaphore(t *testing.T) {
	w := newWaiter()
	defer freeWaiter(w)
	w.sem.V()
	w.sem.V()
	w.sem.P()
	start := time.Now()
	if res := w.sem.PWithDeadline(w.deadlineTimer, start.Add(20*time.Millisecond)); res != Expired {
		t.Errorf("PWithDeadline() after saturated V() = %d, want Expired", res)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("PWithDeadline() expired after %v", elapsed)
	}
	if res := w.sem.PWithDeadline(w.deadlineTimer, time.Now().Add(-time.Second)); res != Expired {
		t.Errorf("PWithDeadline() with past deadline = %d, want Expired", res)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		w.sem.V()
	}()
	if res := w.sem.PWithDeadline(w.deadlineTimer, NoDeadline); res != OK {
		t.Errorf("PWithDeadline() after V() = %d, want OK", res)
	}
}

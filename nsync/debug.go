// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync

import "fmt"
import "strings"
import "sync/atomic"

// Routines to describe the state of a Mu or CV, for use in tests and while
// debugging.  The results are snapshots, and are stale as soon as they are
// returned.

var muBitNames = []struct {
	bit  uint32
	name string
}{
	{muWLock, "wlock"},
	{muWaiting, "wait"},
	{muDesigWaker, "desig"},
	{muCondition, "cond"},
	{muWriterWaiting, "writer"},
	{muLongWait, "long"},
	{muAllFalse, "allfalse"},
}

var cvBitNames = []struct {
	bit  uint32
	name string
}{
	{cvNonEmpty, "nonempty"},
}

// writeWaiters() appends to b one line per Waiter in *l.
func writeWaiters(b *strings.Builder, l *dllList[Waiter]) {
	for p := l.first(); p != nil; p = l.next(p) {
		nw := p.elem
		fmt.Fprintf(b, "  %p", nw)
		if nw.tag != nwTag {
			fmt.Fprintf(b, " bad tag %#x", nw.tag)
		}
		if (nw.flags & waiterFlagMuCV) != 0 {
			w := nw.w
			switch w.lType {
			case writerType:
				b.WriteString(" writer")
			case readerType:
				b.WriteString(" reader")
			}
			if w.cvMu != nil {
				fmt.Fprintf(b, " mu=%p", w.cvMu)
			}
			if w.cond != nil {
				b.WriteString(" cond")
			}
			if !w.sameCondition.isSingleton() {
				b.WriteString(" same")
			}
		} else {
			b.WriteString(" waitable")
		}
		if atomic.LoadUint32(&nw.waiting) != 0 {
			b.WriteString(" waiting")
		}
		b.WriteString("\n")
	}
}

// DebugString() returns a description of *mu: its word, decoded, and its
// queue of waiters.  The spinlock bit is omitted, since it is held while the
// description is built.  It acquires the spinlock of *mu briefly.
func (mu *Mu) DebugString() string {
	var b strings.Builder
	word := spinTestAndSet(&mu.word, muSpinlock, muSpinlock, 0)
	fmt.Fprintf(&b, "mu %p -> %#x =", mu, word)
	for _, bn := range muBitNames {
		if (word & bn.bit) != 0 {
			b.WriteString(" " + bn.name)
		}
	}
	if readers := word / muRLock; readers != 0 {
		fmt.Fprintf(&b, " readers=%d", readers)
	}
	b.WriteString("\n")
	writeWaiters(&b, &mu.waiters)
	mu.releaseSpinlock()
	return b.String()
}

// DebugString() returns a description of *cv: its word, decoded, and its
// queue of waiters.  It acquires the spinlock of *cv briefly.
func (cv *CV) DebugString() string {
	var b strings.Builder
	word := spinTestAndSet(&cv.word, cvSpinlock, cvSpinlock, 0)
	fmt.Fprintf(&b, "cv %p -> %#x =", cv, word)
	for _, bn := range cvBitNames {
		if (word & bn.bit) != 0 {
			b.WriteString(" " + bn.name)
		}
	}
	b.WriteString("\n")
	writeWaiters(&b, &cv.waiters)
	atomic.StoreUint32(&cv.word, word) // release store
	return b.String()
}

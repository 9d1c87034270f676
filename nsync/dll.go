// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync

// A dllElem is an element of a circular doubly-linked list.  It is embedded
// in the struct it links; elem points back to that struct.  A dllElem that is
// in no list is a singleton ring: next and prev point to itself.
type dllElem[T any] struct {
	next *dllElem[T]
	prev *dllElem[T]
	elem *T // the struct this element is embedded in.
}

// init() makes *e a singleton ring belonging to *elem.
func (e *dllElem[T]) init(elem *T) {
	e.next = e
	e.prev = e
	e.elem = elem
}

// isSingleton() returns whether *e is in a ring of its own.
func (e *dllElem[T]) isSingleton() bool {
	return e.next == e
}

// splice() joins the ring containing *n to the ring containing *e, so that
// the elements of n's ring, starting at *n, follow *e.  The rings must be
// distinct.
func (e *dllElem[T]) splice(n *dllElem[T]) {
	eNext := e.next
	nPrev := n.prev
	e.next = n
	n.prev = e
	nPrev.next = eNext
	eNext.prev = nPrev
}

// A dllList is a list of dllElem.  It is represented by a pointer to its last
// element, or nil if it is empty.  The zero dllList is empty.
type dllList[T any] struct {
	last *dllElem[T]
}

// isEmpty() returns whether *l is empty.
func (l *dllList[T]) isEmpty() bool {
	return l.last == nil
}

// first() returns the first element of *l, or nil if *l is empty.
func (l *dllList[T]) first() *dllElem[T] {
	if l.last == nil {
		return nil
	}
	return l.last.next
}

// next() returns the element after *e in *l, or nil if *e is last.
func (l *dllList[T]) next(e *dllElem[T]) *dllElem[T] {
	if e == l.last {
		return nil
	}
	return e.next
}

// prev() returns the element before *e in *l, or nil if *e is first.
func (l *dllList[T]) prev(e *dllElem[T]) *dllElem[T] {
	if e == l.last.next {
		return nil
	}
	return e.prev
}

// remove() removes *e from *l, leaving *e a singleton.
func (l *dllList[T]) remove(e *dllElem[T]) {
	if l.last == e {
		if e.prev == e {
			l.last = nil
		} else {
			l.last = e.prev
		}
	}
	e.next.prev = e.prev
	e.prev.next = e.next
	e.next = e
	e.prev = e
}

// makeFirst() adds the ring containing *e to the front of *l, with *e first.
// *e must not already be in *l.
func (l *dllList[T]) makeFirst(e *dllElem[T]) {
	if e == nil {
		return
	}
	if l.last == nil {
		l.last = e.prev
	} else {
		l.last.splice(e)
	}
}

// makeLast() adds the ring containing *e to the back of *l, with *e last.
// *e must not already be in *l.
func (l *dllList[T]) makeLast(e *dllElem[T]) {
	if e == nil {
		return
	}
	l.makeFirst(e.next)
	l.last = e
}

// take() empties *l and returns its former contents.
func (l *dllList[T]) take() dllList[T] {
	r := *l
	l.last = nil
	return r
}

// contains() returns whether *e is an element of *l.  It is linear in the
// length of *l, and is used only in checks.
func (l *dllList[T]) contains(e *dllElem[T]) bool {
	for p := l.first(); p != nil; p = l.next(p) {
		if p == e {
			return true
		}
	}
	return false
}

// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nsync_test

import "fmt"
import "testing"
import "time"

import "golang.org/x/sync/errgroup"

import "v.io/x/sync/nsync"

// TestNoteNotify() checks that Notify() wakes waiters, and is idempotent.
func TestNoteNotify(t *testing.T) {
	n := nsync.NewNote(nil, nsync.NoDeadline)
	if n.IsNotified() {
		t.Fatalf("new Note is notified")
	}
	if n.Wait(time.Now().Add(10 * time.Millisecond)) {
		t.Errorf("Note.Wait() returned true for an unnotified Note")
	}
	var g errgroup.Group
	for i := 0; i != 3; i++ {
		g.Go(func() error {
			if !n.Wait(nsync.NoDeadline) {
				t.Errorf("Note.Wait() with no deadline returned false")
			}
			return nil
		})
	}
	time.Sleep(10 * time.Millisecond)
	n.Notify()
	n.Notify()
	if err := g.Wait(); err != nil {
		t.Error(err)
	}
	if !n.IsNotified() {
		t.Errorf("Note not notified after Notify()")
	}
}

// TestNoteDeadline() checks that a Note is notified when its expiry time
// passes, and that one created with a past deadline is notified at once.
func TestNoteDeadline(t *testing.T) {
	past := nsync.NewNote(nil, time.Now().Add(-time.Second))
	if !past.IsNotified() {
		t.Errorf("Note with past deadline not notified")
	}

	start := time.Now()
	n := nsync.NewNote(nil, start.Add(50*time.Millisecond))
	if !n.Wait(nsync.NoDeadline) {
		t.Errorf("Note.Wait() returned false for an expiring Note")
	}
	if elapsed := time.Since(start); elapsed < 45*time.Millisecond {
		t.Errorf("Note notified after %v, before its expiry", elapsed)
	}
	if !n.IsNotified() {
		t.Errorf("IsNotified() false after expiry")
	}
}

// TestNoteTree() checks that notifying a Note notifies its descendants, but
// not its ancestors, and that children inherit earlier parent deadlines.
func TestNoteTree(t *testing.T) {
	root := nsync.NewNote(nil, nsync.NoDeadline)
	mid := nsync.NewNote(root, nsync.NoDeadline)
	leaves := []*nsync.Note{
		nsync.NewNote(mid, nsync.NoDeadline),
		nsync.NewNote(mid, time.Now().Add(time.Hour)),
	}
	grandchild := nsync.NewNote(leaves[0], nsync.NoDeadline)

	var g errgroup.Group
	for _, n := range append(leaves, grandchild) {
		g.Go(func() error {
			n.Wait(nsync.NoDeadline)
			return nil
		})
	}
	mid.Notify()
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for i, n := range append(leaves, mid, grandchild) {
		if !n.IsNotified() {
			t.Errorf("descendant %d not notified", i)
		}
	}
	if root.IsNotified() {
		t.Errorf("Notify() of a child notified its parent")
	}

	// Deadline inheritance.
	deadline := time.Now().Add(time.Hour)
	parent := nsync.NewNote(nil, deadline)
	child := nsync.NewNote(parent, nsync.NoDeadline)
	if got := child.ExpiryTime(); !got.Equal(deadline) {
		t.Errorf("child.ExpiryTime() = %v, want parent's %v", got, deadline)
	}
	earlier := time.Now().Add(time.Minute)
	child2 := nsync.NewNote(parent, earlier)
	if got := child2.ExpiryTime(); !got.Equal(earlier) {
		t.Errorf("child2.ExpiryTime() = %v, want its own %v", got, earlier)
	}

	// A child of a notified Note is notified at creation.
	if late := nsync.NewNote(mid, nsync.NoDeadline); !late.IsNotified() {
		t.Errorf("child of notified Note not notified")
	}
}

// TestNoteFree() checks that freeing a Note hands its children to its parent.
func TestNoteFree(t *testing.T) {
	root := nsync.NewNote(nil, nsync.NoDeadline)
	mid := nsync.NewNote(root, nsync.NoDeadline)
	leaf := nsync.NewNote(mid, nsync.NoDeadline)
	mid.Free()
	if leaf.IsNotified() {
		t.Fatalf("Free() notified a child")
	}
	root.Notify()
	if !leaf.Wait(time.Now().Add(10 * time.Second)) {
		t.Errorf("adopted child not notified with its new parent")
	}

	// Freeing a root leaves its children as roots.
	r := nsync.NewNote(nil, nsync.NoDeadline)
	c := nsync.NewNote(r, nsync.NoDeadline)
	r.Free()
	if c.IsNotified() {
		t.Errorf("Free() of a root notified its child")
	}
	c.Notify()
	if !c.IsNotified() {
		t.Errorf("orphaned Note not notified by Notify()")
	}
}

// TestNoteConcurrentNotify() notifies parents and children of a tree
// concurrently, to exercise the detach protocol.
func TestNoteConcurrentNotify(t *testing.T) {
	for iter := 0; iter != 200; iter++ {
		root := nsync.NewNote(nil, nsync.NoDeadline)
		var notes []*nsync.Note
		for i := 0; i != 4; i++ {
			c := nsync.NewNote(root, nsync.NoDeadline)
			notes = append(notes, c, nsync.NewNote(c, nsync.NoDeadline))
		}
		var g errgroup.Group
		for _, n := range notes {
			g.Go(func() error {
				n.Notify()
				return nil
			})
		}
		g.Go(func() error {
			root.Notify()
			return nil
		})
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}
		for i, n := range notes {
			if !n.IsNotified() {
				t.Fatalf("iteration %d: note %d not notified", iter, i)
			}
		}
	}
}

// ExampleNote() shows a Note cancelling a wait for a condition.
func ExampleNote() {
	var mu nsync.Mu
	var ready bool
	cancel := nsync.NewNote(nil, nsync.NoDeadline)
	time.AfterFunc(10*time.Millisecond, cancel.Notify)

	mu.Lock()
	outcome := mu.WaitWithDeadline(nsync.ConditionFunc(func() bool { return ready }), nsync.NoDeadline, cancel)
	mu.Unlock()
	if outcome == nsync.Cancelled {
		fmt.Println("cancelled")
	}
	// Output:
	// cancelled
}

package engine

import "testing"

func TestInsertPriorityOrder(t *testing.T) {
	var q priorityQueue
	q.insert("low", 0)
	q.insert("hi", 10)
	q.insert("mid", 5)

	want := []string{"hi", "mid", "low"}
	for i, e := range q.entries {
		if e.sessionID != want[i] {
			t.Fatalf("expected order %v, got %+v", want, q.entries)
		}
	}
}

func TestInsertFIFOAmongEquals(t *testing.T) {
	var q priorityQueue
	q.insert("a", 1)
	q.insert("b", 1)
	q.insert("c", 1)

	for _, want := range []string{"a", "b", "c"} {
		head, ok := q.pop()
		if !ok || head.sessionID != want {
			t.Fatalf("expected %s, got %+v", want, head)
		}
	}
}

func TestInsertInterleavedPriorities(t *testing.T) {
	var q priorityQueue
	q.insert("a0", 0)
	q.insert("a5", 5)
	q.insert("b0", 0)
	q.insert("b5", 5)
	q.insert("c10", 10)

	want := []string{"c10", "a5", "b5", "a0", "b0"}
	for _, w := range want {
		head, _ := q.pop()
		if head.sessionID != w {
			t.Fatalf("expected %v next, queue was wrong", w)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestRemoveAndPosition(t *testing.T) {
	var q priorityQueue
	q.insert("a", 0)
	q.insert("b", 0)
	q.insert("c", 0)

	if pos := q.position("b"); pos != 2 {
		t.Fatalf("expected position 2, got %d", pos)
	}
	if !q.remove("b") {
		t.Fatal("remove should succeed")
	}
	if q.remove("b") {
		t.Fatal("second remove should fail")
	}
	if pos := q.position("c"); pos != 2 {
		t.Fatalf("expected c to shift to position 2, got %d", pos)
	}
	if q.len() != 2 {
		t.Fatalf("expected len 2, got %d", q.len())
	}
}

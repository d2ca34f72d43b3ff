package msgbuf

import "testing"

func TestInsertThenComplete(t *testing.T) {
	var b Buffer
	status, typ, err := b.Insert(5, "payload", ElemBuffer)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if status != InProgress || typ != ElemBuffer {
		t.Fatalf("got status=%v typ=%v", status, typ)
	}
	ptr, typ, status := b.Retrieve(5)
	if ptr != "payload" || typ != ElemBuffer || status != InProgress {
		t.Fatalf("Retrieve mismatch: %v %v %v", ptr, typ, status)
	}
	if err := b.Complete(5); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	_, _, status = b.Retrieve(5)
	if status != Complete {
		t.Fatalf("want Complete, got %v", status)
	}
}

func TestInsertCollisionRequiresReplace(t *testing.T) {
	var b Buffer
	if _, _, err := b.Insert(10, "ctrl", ElemBuffer); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	// The local post arrives after the unsolicited peer arrival already
	// claimed the slot: loser observes InProgress+ElemBuffer and must Replace.
	status, typ, err := b.Insert(10, "send-req", ElemRequest)
	if err == nil {
		t.Fatal("expected ErrInvalidIdx on second Insert")
	}
	if status != InProgress || typ != ElemBuffer {
		t.Fatalf("got status=%v typ=%v", status, typ)
	}
	if err := b.Replace(10, "send-req", ElemRequest); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	ptr, typ, _ := b.Retrieve(10)
	if ptr != "send-req" || typ != ElemRequest {
		t.Fatalf("Replace did not take effect: %v %v", ptr, typ)
	}
}

func TestRaceClosureBothOrderings(t *testing.T) {
	// Whichever side touches the slot first inserts; the other replaces.
	// Verify both orderings converge to the same final element.
	for _, localFirst := range []bool{true, false} {
		var b Buffer
		if localFirst {
			mustInsert(t, &b, 1, "local", ElemRequest)
			mustReplace(t, &b, 1, "peer", ElemBuffer)
		} else {
			mustInsert(t, &b, 1, "peer", ElemBuffer)
			mustReplace(t, &b, 1, "local", ElemRequest)
		}
		ptr, typ, status := b.Retrieve(1)
		if status != InProgress {
			t.Fatalf("localFirst=%v: want InProgress, got %v", localFirst, status)
		}
		if localFirst && (ptr != "peer" || typ != ElemBuffer) {
			t.Fatalf("localFirst=%v: want final element peer/buffer, got %v/%v", localFirst, ptr, typ)
		}
		if !localFirst && (ptr != "local" || typ != ElemRequest) {
			t.Fatalf("localFirst=%v: want final element local/request, got %v/%v", localFirst, ptr, typ)
		}
	}
}

func TestReplaceWithoutInsertFails(t *testing.T) {
	var b Buffer
	if err := b.Replace(3, "x", ElemBuffer); err != ErrNotInProgress {
		t.Fatalf("want ErrNotInProgress, got %v", err)
	}
}

func TestCompleteWithoutInsertFails(t *testing.T) {
	var b Buffer
	if err := b.Complete(3); err != ErrNotInProgress {
		t.Fatalf("want ErrNotInProgress, got %v", err)
	}
}

func TestAdvanceResetsSlotForReuse(t *testing.T) {
	var b Buffer
	mustInsert(t, &b, 7, "a", ElemBuffer)
	if err := b.Complete(7); err != nil {
		t.Fatal(err)
	}
	b.Advance(7)
	_, _, status := b.Retrieve(7)
	if status != NotStarted {
		t.Fatalf("want NotStarted after Advance, got %v", status)
	}
	// seq 7 and seq 7+Window alias the same slot; reuse must work cleanly.
	mustInsert(t, &b, 7+Window, "b", ElemRequest)
}

func mustInsert(t *testing.T, b *Buffer, seq uint16, ptr any, typ ElemType) {
	t.Helper()
	if _, _, err := b.Insert(seq, ptr, typ); err != nil {
		t.Fatalf("Insert(%d): %v", seq, err)
	}
}

func mustReplace(t *testing.T, b *Buffer, seq uint16, ptr any, typ ElemType) {
	t.Helper()
	if err := b.Replace(seq, ptr, typ); err != nil {
		t.Fatalf("Replace(%d): %v", seq, err)
	}
}

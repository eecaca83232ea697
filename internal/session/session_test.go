package session

import "testing"

type fakeConn struct{ name string }

func TestGrant(t *testing.T) {
	var slot Slot
	a := &fakeConn{"a"}

	g := slot.Grant(a)
	if !g.Granted {
		t.Fatal("first grant should succeed")
	}
	if g.SessionID == "" || g.OwnerToken == "" {
		t.Fatal("granted credentials must be non-empty")
	}
	if !slot.Fresh(g.SessionID, g.OwnerToken) {
		t.Fatal("granted credentials should be fresh")
	}

	b := &fakeConn{"b"}
	busy := slot.Grant(b)
	if busy.Granted {
		t.Fatal("second grant should report busy")
	}
	if busy.OwnerSince.IsZero() {
		t.Fatal("busy result should carry owner_since")
	}
	if slot.Owner() != Conn(a) {
		t.Fatal("owner must be unchanged after busy grant")
	}
}

func TestTakeoverRotatesCredentials(t *testing.T) {
	var slot Slot
	a := &fakeConn{"a"}
	old := slot.Grant(a)

	b := &fakeConn{"b"}
	g, deposed := slot.Takeover(b)
	if !g.Granted {
		t.Fatal("takeover should grant")
	}
	if deposed != Conn(a) {
		t.Fatal("takeover should return the deposed connection")
	}
	if g.SessionID == old.SessionID || g.OwnerToken == old.OwnerToken {
		t.Fatal("takeover must rotate both credentials")
	}
	if slot.Fresh(old.SessionID, old.OwnerToken) {
		t.Fatal("deposed credentials must be stale")
	}
	if !slot.Fresh(g.SessionID, g.OwnerToken) {
		t.Fatal("new credentials should be fresh")
	}
}

func TestTakeoverOfEmptySlot(t *testing.T) {
	var slot Slot
	g, deposed := slot.Takeover(&fakeConn{"a"})
	if !g.Granted || deposed != nil {
		t.Fatalf("Granted=%v deposed=%v", g.Granted, deposed)
	}
}

func TestRelease(t *testing.T) {
	var slot Slot
	a := &fakeConn{"a"}
	g := slot.Grant(a)

	if slot.Release(&fakeConn{"other"}) {
		t.Fatal("release by a non-owner must be ignored")
	}
	if !slot.Occupied() {
		t.Fatal("slot should still be occupied")
	}

	if !slot.Release(a) {
		t.Fatal("owner release should succeed")
	}
	if slot.Occupied() || slot.Fresh(g.SessionID, g.OwnerToken) {
		t.Fatal("released slot must be empty and stale")
	}

	// A fresh grant after release works.
	if g2 := slot.Grant(&fakeConn{"b"}); !g2.Granted {
		t.Fatal("grant after release should succeed")
	}
}

func TestFreshRequiresBothCredentials(t *testing.T) {
	var slot Slot
	g := slot.Grant(&fakeConn{"a"})

	if slot.Fresh(g.SessionID, "wrong") {
		t.Fatal("wrong token must be stale")
	}
	if slot.Fresh("wrong", g.OwnerToken) {
		t.Fatal("wrong session id must be stale")
	}
	var empty Slot
	if empty.Fresh("", "") {
		t.Fatal("empty slot matches nothing")
	}
}

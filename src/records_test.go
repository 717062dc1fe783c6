package main

import (
	"testing"
	"time"

	"HTTPInterceptBox/src/transform"
)

func TestRecordStoreAddAndListOrder(t *testing.T) {
	store := newRecordStore(3)

	t0 := time.Unix(0, 0)
	r1 := store.add(transform.Record{ID: "1-0", Time: t0.Add(1 * time.Second)})
	r2 := store.add(transform.Record{ID: "2-0", Time: t0.Add(2 * time.Second)})
	r3 := store.add(transform.Record{ID: "3-0", Time: t0.Add(3 * time.Second)})

	if r1.Seq != 1 || r2.Seq != 2 || r3.Seq != 3 {
		t.Fatalf("unexpected seqs: %d, %d, %d", r1.Seq, r2.Seq, r3.Seq)
	}

	all := store.list()
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].ID != r1.ID || all[1].ID != r2.ID || all[2].ID != r3.ID {
		t.Fatalf("unexpected order in list: %q %q %q", all[0].ID, all[1].ID, all[2].ID)
	}
}

func TestRecordStoreRingBufferEviction(t *testing.T) {
	store := newRecordStore(2)

	store.add(transform.Record{ID: "a"})
	store.add(transform.Record{ID: "b"})
	store.add(transform.Record{ID: "c"})

	all := store.list()
	if len(all) != 2 || store.len() != 2 {
		t.Fatalf("expected 2 records, got %d", len(all))
	}
	if all[0].ID != "b" || all[1].ID != "c" {
		t.Fatalf("expected [b c], got [%s %s]", all[0].ID, all[1].ID)
	}
	if _, ok := store.get("a"); ok {
		t.Fatalf("evicted record still reachable")
	}
}

func TestRecordStoreGetAndClear(t *testing.T) {
	store := newRecordStore(4)
	store.add(transform.Record{ID: "x", URL: "/a"})

	got, ok := store.get("x")
	if !ok || got.URL != "/a" {
		t.Fatalf("get(x) = %#v, %v", got, ok)
	}
	if _, ok := store.get("missing"); ok {
		t.Fatalf("get(missing) should fail")
	}

	store.clear()
	if got := store.list(); len(got) != 0 {
		t.Fatalf("expected empty after clear, got %d", len(got))
	}
	if r := store.add(transform.Record{ID: "y"}); r.Seq != 2 {
		t.Fatalf("seq should keep counting after clear, got %d", r.Seq)
	}
}

func TestSseBrokerDropsForSlowClients(t *testing.T) {
	b := newSseBroker()
	ch := b.addClient()
	if b.clientCount() != 1 {
		t.Fatalf("clientCount = %d", b.clientCount())
	}

	for i := 0; i < cap(ch)+5; i++ {
		b.publish(event{Type: "record"})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffered %d events, want %d", len(ch), cap(ch))
	}

	b.removeClient(ch)
	if b.clientCount() != 0 {
		t.Fatalf("client not removed")
	}
	// publishing with no clients must not block
	b.publish(event{Type: "cleared"})
}

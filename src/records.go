package main

import (
	"sync"

	"HTTPInterceptBox/src/transform"
)

// recordStore is the in-memory ring of recent sanitized records. Nothing in
// it is persisted.
type recordStore struct {
	sync.Mutex
	buf   []transform.Record
	next  int
	count int
	seq   int64
}

func newRecordStore(capacity int) *recordStore {
	if capacity < 1 {
		capacity = 1
	}
	return &recordStore{
		buf: make([]transform.Record, capacity),
		seq: 1,
	}
}

// add stores rec, evicting the oldest entry when full, and returns the stored
// copy with its ring sequence number.
func (s *recordStore) add(rec transform.Record) transform.Record {
	s.Lock()
	defer s.Unlock()
	rec.Seq = s.seq
	s.seq++
	s.buf[s.next] = rec
	idx := s.next
	s.next = (s.next + 1) % len(s.buf)
	if s.count < len(s.buf) {
		s.count++
	}
	return s.buf[idx]
}

// list returns the records oldest first.
func (s *recordStore) list() []transform.Record {
	s.Lock()
	defer s.Unlock()
	out := make([]transform.Record, 0, s.count)
	start := (s.next - s.count + len(s.buf)) % len(s.buf)
	for i := 0; i < s.count; i++ {
		out = append(out, s.buf[(start+i)%len(s.buf)])
	}
	return out
}

func (s *recordStore) get(id string) (transform.Record, bool) {
	s.Lock()
	defer s.Unlock()
	for i := 0; i < s.count; i++ {
		idx := (s.next - s.count + i + len(s.buf)) % len(s.buf)
		if s.buf[idx].ID == id {
			return s.buf[idx], true
		}
	}
	return transform.Record{}, false
}

func (s *recordStore) len() int {
	s.Lock()
	defer s.Unlock()
	return s.count
}

func (s *recordStore) clear() {
	s.Lock()
	defer s.Unlock()
	for i := range s.buf {
		s.buf[i] = transform.Record{}
	}
	s.count = 0
	s.next = 0
}

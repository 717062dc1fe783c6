package sequencer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"HTTPInterceptBox/src/logger"
	"HTTPInterceptBox/src/traffic"
	"HTTPInterceptBox/src/transform"
)

func TestNextIDUniqueUnderConcurrency(t *testing.T) {
	s := New(nil, nil, 0)
	defer s.Close()

	const workers, per = 50, 200
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*per)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, per)
			for i := 0; i < per; i++ {
				local = append(local, s.NextID())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != workers*per {
		t.Fatalf("expected %d unique ids, got %d", workers*per, len(seen))
	}
	if s.Issued() != workers*per {
		t.Fatalf("Issued = %d", s.Issued())
	}
}

func TestNewRequestContextKeepsOriginalHost(t *testing.T) {
	s := New(nil, nil, 0)
	defer s.Close()

	req := httptest.NewRequest("POST", "http://api.example-sports.com/user/profile?x=1", nil)
	req.Header.Set("Accept", "application/json")
	rc := s.NewRequestContext(req, "https", []byte("{}"))
	if rc.OriginalHost != "api.example-sports.com" || rc.OriginalPath != "/user/profile?x=1" {
		t.Fatalf("unexpected context %#v", rc)
	}
	if rc.Scheme != "https" || rc.Headers.Get("accept") != "application/json" || string(rc.Body) != "{}" {
		t.Fatalf("unexpected context %#v", rc)
	}
	if !strings.HasPrefix(rc.ID, "1-") {
		t.Fatalf("id = %q", rc.ID)
	}
}

func TestRecordSanitizesAndPreservesOrder(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := logger.New(logger.Options{Writers: []string{"json"}, Out: &buf})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	s := New(log, nil, 4)

	var got []transform.Record
	s.Subscribe(func(r transform.Record) { got = append(got, r) })

	const n = 100
	for i := 0; i < n; i++ {
		s.Record(transform.Record{
			ID:      s.NextID(),
			Status:  200,
			Request: transform.Message{Headers: traffic.Header{{Name: "Authorization", Value: "Bearer x"}}},
		})
	}
	s.Close()

	if len(got) != n {
		t.Fatalf("sink saw %d records", len(got))
	}
	for i, r := range got {
		if !strings.HasPrefix(r.ID, strconv.Itoa(i+1)+"-") {
			t.Fatalf("record %d out of order: %s", i, r.ID)
		}
		if r.Request.Headers.Get("Authorization") != transform.Redacted {
			t.Fatalf("record %d not sanitized", i)
		}
	}

	lines := 0
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad log line %q: %v", sc.Text(), err)
		}
		lines++
	}
	if lines != n {
		t.Fatalf("expected %d log lines, got %d", n, lines)
	}
	if strings.Contains(buf.String(), "Bearer x") {
		t.Fatalf("credential leaked to log")
	}
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	s := New(nil, nil, 1)
	calls := 0
	s.Subscribe(func(transform.Record) { calls++ })
	s.Close()
	s.Record(transform.Record{ID: "late"})
	s.Close()
	if calls != 0 {
		t.Fatalf("sink called %d times after close", calls)
	}
}

package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeSender is an in-memory Sender used to exercise the registry
// without a real socket.
type fakeSender struct {
	mu     sync.Mutex
	closed bool
	sent   [][]byte
	failOn int // Send fails once sent reaches this count, 0 = never
}

func (s *fakeSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sender closed")
	}
	if s.failOn > 0 && len(s.sent) >= s.failOn {
		return fmt.Errorf("simulated write failure")
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newRecord(user, platform string) ConnectionRecord {
	return ConnectionRecord{
		ConnectionUUID: NewConnectionID(),
		UserID:         user,
		Platform:       platform,
		APIKey:         user,
		EstablishedAt:  time.Now(),
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	rec := newRecord("kA", "wechat")
	if err := r.Register(rec, &fakeSender{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	handles := r.Lookup("kA", "wechat")
	if len(handles) != 1 || handles[0].ConnectionUUID != rec.ConnectionUUID {
		t.Fatalf("expected exactly the registered connection, got %+v", handles)
	}

	if got := r.Lookup("kA", "qq"); len(got) != 0 {
		t.Fatalf("expected no connections for mismatched platform, got %+v", got)
	}
}

func TestRegisterAllowsMultipleConnectionsSamePair(t *testing.T) {
	// Open question resolution: spec.md allows multiple identical
	// (user, platform) connections, fanning out to all (I4 is a set,
	// not a single slot).
	r := New()
	recA := newRecord("kA", "wechat")
	recB := newRecord("kA", "wechat")
	r.Register(recA, &fakeSender{})
	r.Register(recB, &fakeSender{})

	handles := r.Lookup("kA", "wechat")
	if len(handles) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(handles))
	}
}

func TestUnregisterPrunesEmptyEntries(t *testing.T) {
	r := New()
	rec := newRecord("kA", "wechat")
	r.Register(rec, &fakeSender{})
	r.Unregister(rec.ConnectionUUID)

	if handles := r.Lookup("kA", "wechat"); len(handles) != 0 {
		t.Fatalf("expected no connections after unregister, got %+v", handles)
	}

	stats := r.Stats()
	if stats.Users != 0 || stats.Connections != 0 {
		t.Fatalf("expected registry to be empty, got %+v", stats)
	}

	if _, ok := r.Get(rec.ConnectionUUID); ok {
		t.Fatalf("expected record to be gone after unregister")
	}
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	r := New()
	r.Unregister("does-not-exist")
	if stats := r.Stats(); stats.Connections != 0 {
		t.Fatalf("expected no-op, got %+v", stats)
	}
}

func TestSnapshotAllAndFilteredHandles(t *testing.T) {
	r := New()
	r.Register(newRecord("kA", "wechat"), &fakeSender{})
	r.Register(newRecord("kA", "qq"), &fakeSender{})
	r.Register(newRecord("kB", "wechat"), &fakeSender{})

	all := r.SnapshotAll()
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}

	wechatOnly := r.SnapshotAllHandles("wechat")
	if len(wechatOnly) != 2 {
		t.Fatalf("expected 2 wechat handles, got %d", len(wechatOnly))
	}

	everything := r.SnapshotAllHandles("")
	if len(everything) != 3 {
		t.Fatalf("expected 3 handles with no filter, got %d", len(everything))
	}
}

// TestInvariantsUnderConcurrentChurn is a property-style test (P1):
// after an interleaved burst of registers and unregisters quiesces,
// the registry must hold exactly the still-registered connections and
// no dangling platform/user entries (P6).
func TestInvariantsUnderConcurrentChurn(t *testing.T) {
	r := New()
	const n = 200

	recs := make([]ConnectionRecord, n)
	for i := range recs {
		user := fmt.Sprintf("user-%d", i%5)
		platform := fmt.Sprintf("platform-%d", i%3)
		recs[i] = newRecord(user, platform)
	}

	var wg sync.WaitGroup
	for i := range recs {
		wg.Add(1)
		go func(rec ConnectionRecord) {
			defer wg.Done()
			r.Register(rec, &fakeSender{})
		}(recs[i])
	}
	wg.Wait()

	// Every registered connection must be visible by its coordinates.
	for _, rec := range recs {
		handles := r.Lookup(rec.UserID, rec.Platform)
		found := false
		for _, h := range handles {
			if h.ConnectionUUID == rec.ConnectionUUID {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("connection %s missing from lookup(%s, %s)", rec.ConnectionUUID, rec.UserID, rec.Platform)
		}
	}

	// Unregister half of them concurrently.
	for i, rec := range recs {
		if i%2 == 0 {
			wg.Add(1)
			go func(uuid string) {
				defer wg.Done()
				r.Unregister(uuid)
			}(rec.ConnectionUUID)
		}
	}
	wg.Wait()

	for i, rec := range recs {
		_, ok := r.Get(rec.ConnectionUUID)
		if i%2 == 0 && ok {
			t.Fatalf("connection %s should have been unregistered", rec.ConnectionUUID)
		}
		if i%2 == 1 && !ok {
			t.Fatalf("connection %s should still be registered", rec.ConnectionUUID)
		}
	}

	// Unregister the rest; registry must quiesce to empty (P6).
	for i, rec := range recs {
		if i%2 == 1 {
			r.Unregister(rec.ConnectionUUID)
		}
	}
	stats := r.Stats()
	if stats.Users != 0 || stats.Connections != 0 {
		t.Fatalf("expected empty registry at quiescence, got %+v", stats)
	}
}

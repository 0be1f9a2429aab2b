package throttle

import (
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu   sync.Mutex
	got  []string
	keys []string
}

func (r *recorder) emit(key string, v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.got = append(r.got, v)
}

func (r *recorder) values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestThrottle_FirstUpdateImmediate(t *testing.T) {
	rec := &recorder{}
	th := New[string](time.Hour, rec.emit)
	defer th.Stop()

	th.Offer("SOL", "a")

	if got := rec.values(); len(got) != 1 || got[0] != "a" {
		t.Errorf("emitted %v, want [a]", got)
	}
}

func TestThrottle_CoalescesWithinWindow(t *testing.T) {
	rec := &recorder{}
	th := New[string](50*time.Millisecond, rec.emit)
	defer th.Stop()

	th.Offer("SOL", "a")
	th.Offer("SOL", "b")
	th.Offer("SOL", "c")

	if got := rec.values(); len(got) != 1 {
		t.Fatalf("emitted %v before window elapsed, want only [a]", got)
	}
	if th.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", th.Pending())
	}

	waitFor(t, time.Second, func() bool { return len(rec.values()) == 2 })

	got := rec.values()
	if got[1] != "c" {
		t.Errorf("coalesced value = %q, want latest %q", got[1], "c")
	}

	// Nothing else should fire.
	time.Sleep(100 * time.Millisecond)
	if n := len(rec.values()); n != 2 {
		t.Errorf("emitted %d values, want exactly 2", n)
	}

	stats := th.Stats()
	if stats.Coalesced != 1 {
		t.Errorf("Coalesced = %d, want 1", stats.Coalesced)
	}
}

func TestThrottle_KeysIndependent(t *testing.T) {
	rec := &recorder{}
	th := New[string](time.Hour, rec.emit)
	defer th.Stop()

	th.Offer("SOL", "1")
	th.Offer("BTC", "2")

	if got := rec.values(); len(got) != 2 {
		t.Errorf("emitted %v, want one per key", got)
	}
}

func TestThrottle_AfterWindowImmediate(t *testing.T) {
	rec := &recorder{}
	th := New[string](20*time.Millisecond, rec.emit)
	defer th.Stop()

	th.Offer("SOL", "a")
	time.Sleep(40 * time.Millisecond)
	th.Offer("SOL", "b")

	if got := rec.values(); len(got) != 2 || got[1] != "b" {
		t.Errorf("emitted %v, want [a b]", got)
	}
}

func TestThrottle_Merge(t *testing.T) {
	rec := &recorder{}
	th := New[string](time.Hour, rec.emit).WithMerge(func(p, n string) string { return p + n })
	defer th.Stop()

	th.Offer("SOL", "a")
	th.Offer("SOL", "b")
	th.Offer("SOL", "c")
	th.Flush()

	got := rec.values()
	if len(got) != 2 || got[1] != "bc" {
		t.Errorf("emitted %v, want [a bc]", got)
	}
}

func TestThrottle_ZeroWindowPassesThrough(t *testing.T) {
	rec := &recorder{}
	th := New[string](0, rec.emit)

	for _, v := range []string{"a", "b", "c"} {
		th.Offer("SOL", v)
	}
	if n := len(rec.values()); n != 3 {
		t.Errorf("emitted %d values, want 3", n)
	}
}

func TestThrottle_StopDiscardsPending(t *testing.T) {
	rec := &recorder{}
	th := New[string](30*time.Millisecond, rec.emit)

	th.Offer("SOL", "a")
	th.Offer("SOL", "b")
	th.Stop()
	th.Offer("SOL", "c")

	time.Sleep(80 * time.Millisecond)
	if got := rec.values(); len(got) != 1 {
		t.Errorf("emitted %v after Stop, want only [a]", got)
	}
}

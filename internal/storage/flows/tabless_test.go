package flows

import (
	"slices"
	"testing"
)

func TestTablessRegistry(t *testing.T) {
	t.Parallel()

	t.Run("timestamp precedence", func(t *testing.T) {
		t.Parallel()
		older := `{"id":"c1","type":"cfg","v":"old","_ts":5}`
		newer := `{"id":"c1","type":"cfg","v":"new","_ts":10}`
		for _, order := range [][]string{{older, newer}, {newer, older}} {
			r := NewTablessRegistry()
			for _, s := range order {
				r.Ingest(mustNode(t, s))
			}
			got, ok := r.Get("c1")
			if !ok || got.String() != newer {
				t.Errorf("after %v: Get() = %s, want %s", order, got, newer)
			}
			if r.Len() != 1 {
				t.Errorf("Len() = %d, want 1", r.Len())
			}
		}
	})

	t.Run("equal timestamps keep first", func(t *testing.T) {
		t.Parallel()
		r := NewTablessRegistry()
		if !r.Ingest(mustNode(t, `{"id":"c1","v":1}`)) {
			t.Fatal("first Ingest() = false")
		}
		if r.Ingest(mustNode(t, `{"id":"c1","v":2}`)) {
			t.Fatal("second Ingest() without _ts replaced the entry")
		}
		if ts, _ := r.TS("c1"); ts != 0 {
			t.Errorf("TS() = %d, want 0", ts)
		}
	})

	t.Run("Stamp", func(t *testing.T) {
		t.Parallel()
		r := NewTablessRegistry()
		fresh := mustNode(t, `{"id":"c1","v":1}`)
		if got := r.Stamp(fresh, 100); !got.Equal(fresh) {
			t.Errorf("Stamp() of an unknown node = %s", got)
		}
		r.Ingest(mustNode(t, `{"id":"c1","v":1,"_ts":7}`))
		same := mustNode(t, `{"id":"c1","v":1}`)
		if got := r.Stamp(same, 100); !got.Equal(same) {
			t.Errorf("Stamp() of an unchanged node = %s", got)
		}
		changed := mustNode(t, `{"id":"c1","v":2,"_ts":7}`)
		if got := r.Stamp(changed, 100); got.TS() != 100 {
			t.Errorf("Stamp() of a changed node = %s", got)
		}
	})

	t.Run("order and Remove", func(t *testing.T) {
		t.Parallel()
		r := NewTablessRegistry()
		for _, s := range []string{`{"id":"b"}`, `{"id":"a"}`, `{"id":"c"}`, `{"id":"a","_ts":3}`} {
			r.Ingest(mustNode(t, s))
		}
		if got := r.IDs(); !slices.Equal(got, []string{"b", "a", "c"}) {
			t.Errorf("IDs() = %v", got)
		}
		r.Remove("a")
		r.Remove("missing")
		if got := r.IDs(); !slices.Equal(got, []string{"b", "c"}) {
			t.Errorf("IDs() after Remove = %v", got)
		}
		if _, ok := r.Get("a"); ok {
			t.Error("Get() found a removed id")
		}
	})
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRegisterAndCount(t *testing.T) {
	m := New(nil)

	m.MessagesSent.Inc()
	m.MessagesSent.Inc()
	m.MessagesCleartext.Inc()
	m.PeersOnline.Set(3)

	if got := testutil.ToFloat64(m.MessagesSent); got != 2 {
		t.Fatalf("MessagesSent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MessagesCleartext); got != 1 {
		t.Fatalf("MessagesCleartext = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PeersOnline); got != 3 {
		t.Fatalf("PeersOnline = %v, want 3", got)
	}
}

func TestIsolatedRegistries(t *testing.T) {
	// Two instances must not collide on collector registration.
	a := New(nil)
	b := New(nil)
	a.ChunksSent.Inc()
	if got := testutil.ToFloat64(b.ChunksSent); got != 0 {
		t.Fatalf("registries shared state: %v", got)
	}

	families, err := a.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("no metric families registered")
	}
}

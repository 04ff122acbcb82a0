package transport

import "testing"

func TestIPLimiterConnCap(t *testing.T) {
	lim := newIPLimiter(1, 0)
	if !lim.acquireConn("10.0.0.1") {
		t.Fatalf("expected first conn acquire")
	}
	if lim.acquireConn("10.0.0.1") {
		t.Fatalf("expected conn cap")
	}
	lim.releaseConn("10.0.0.1")
	if !lim.acquireConn("10.0.0.1") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterStreamCap(t *testing.T) {
	lim := newIPLimiter(0, 2)
	if !lim.acquireStream("10.0.0.1") || !lim.acquireStream("10.0.0.1") {
		t.Fatalf("expected stream acquire")
	}
	if lim.acquireStream("10.0.0.1") {
		t.Fatalf("expected stream cap")
	}
	lim.releaseStream("10.0.0.1")
	if !lim.acquireStream("10.0.0.1") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := newIPLimiter(1, 1)
	if !lim.acquireConn("10.0.0.1") {
		t.Fatalf("expected first conn")
	}
	if !lim.acquireConn("10.0.0.2") {
		t.Fatalf("expected separate ip conn")
	}
	if !lim.acquireStream("10.0.0.1") {
		t.Fatalf("expected stream acquire")
	}
	if !lim.acquireStream("10.0.0.2") {
		t.Fatalf("expected separate ip stream")
	}
}

func TestIPLimiterReleaseCleansUp(t *testing.T) {
	lim := newIPLimiter(4, 4)
	lim.acquireConn("10.0.0.1")
	lim.releaseConn("10.0.0.1")
	lim.mu.Lock()
	defer lim.mu.Unlock()
	if len(lim.connCounts) != 0 {
		t.Fatalf("expected conn counts cleared, got %d entries", len(lim.connCounts))
	}
}

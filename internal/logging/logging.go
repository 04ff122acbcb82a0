package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New builds the process logger. JSON output by default; a console writer
// when pretty is requested or stderr is a terminal.
func New(debug, pretty bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	var out io.Writer = os.Stderr
	if pretty || isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything. Test constructors default
// to it.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Throttle rate-limits repeated log lines by key. Reconnect and heartbeat
// loops use it so a flapping peer produces one warning per interval, not one
// per tick.
type Throttle struct {
	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
}

func NewThrottle() *Throttle {
	return &Throttle{last: make(map[string]time.Time), sweep: time.Now()}
}

// Allow reports whether a line for key may be emitted now. Stale keys are
// swept opportunistically to keep the map bounded.
func (t *Throttle) Allow(key string, interval time.Duration) bool {
	if t == nil || key == "" || interval <= 0 {
		return true
	}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[key]; ok && now.Sub(last) < interval {
		return false
	}
	t.last[key] = now
	if now.Sub(t.sweep) > 2*interval {
		for k, ts := range t.last {
			if now.Sub(ts) > 4*interval {
				delete(t.last, k)
			}
		}
		t.sweep = now
	}
	return true
}

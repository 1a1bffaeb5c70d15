package runtime

import (
	"sync"
	"time"

	"trad-core/pkg/types"
)

// logBuffer is a bounded ring of the most recent log lines for one running
// strategy. Oldest lines are dropped once the capacity is reached; the
// ledger carries the durable trade record, this buffer is operator
// visibility only.
type logBuffer struct {
	mu    sync.Mutex
	lines []types.LogLine
	start int // index of the oldest line
	count int
	cap   int

	// notify, when set, receives every appended line (dashboard streaming).
	notify func(types.LogLine)
}

func newLogBuffer(capacity int, notify func(types.LogLine)) *logBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &logBuffer{lines: make([]types.LogLine, capacity), cap: capacity, notify: notify}
}

func (b *logBuffer) append(level types.LogLevel, message string) {
	line := types.LogLine{Timestamp: time.Now().UTC(), Level: level, Message: message}

	b.mu.Lock()
	if b.count < b.cap {
		b.lines[(b.start+b.count)%b.cap] = line
		b.count++
	} else {
		b.lines[b.start] = line
		b.start = (b.start + 1) % b.cap
	}
	notify := b.notify
	b.mu.Unlock()

	if notify != nil {
		notify(line)
	}
}

// snapshot returns the buffered lines oldest first.
func (b *logBuffer) snapshot() []types.LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.LogLine, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.lines[(b.start+i)%b.cap]
	}
	return out
}

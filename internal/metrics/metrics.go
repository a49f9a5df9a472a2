// Package metrics exposes operational counters for a queue: staged,
// committed, flushed, and dequeued node counts, plus reader wake-ups.
//
// The teacher's go.mod carries github.com/prometheus/common as a
// direct dependency but nothing in the retrieved fragments actually
// imports it; this package gives it a real job by using
// prometheus/common's text exposition format and label model to
// render a snapshot, rather than pulling in the separate
// prometheus/client_golang registry (not present anywhere in the
// example pack, so not grounded).
package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/prometheus/common/model"
)

// Queue tracks per-queue operation counters. The zero value is ready
// to use.
type Queue struct {
	name string

	staged    uint64
	committed uint64
	removed   uint64
	flushed   uint64
	wakeups   uint64
}

// NewQueue returns a counter set labeled with the owning queue's name
// (typically the peer name).
func NewQueue(name string) *Queue {
	return &Queue{name: name}
}

func (q *Queue) IncStaged()    { atomic.AddUint64(&q.staged, 1) }
func (q *Queue) IncCommitted() { atomic.AddUint64(&q.committed, 1) }
func (q *Queue) IncRemoved()   { atomic.AddUint64(&q.removed, 1) }
func (q *Queue) AddFlushed(n int) {
	if n > 0 {
		atomic.AddUint64(&q.flushed, uint64(n))
	}
}
func (q *Queue) IncWakeups() { atomic.AddUint64(&q.wakeups, 1) }

// Snapshot is a point-in-time, race-free read of every counter.
type Snapshot struct {
	Name      string
	Staged    uint64
	Committed uint64
	Removed   uint64
	Flushed   uint64
	Wakeups   uint64
}

func (q *Queue) Snapshot() Snapshot {
	return Snapshot{
		Name:      q.name,
		Staged:    atomic.LoadUint64(&q.staged),
		Committed: atomic.LoadUint64(&q.committed),
		Removed:   atomic.LoadUint64(&q.removed),
		Flushed:   atomic.LoadUint64(&q.flushed),
		Wakeups:   atomic.LoadUint64(&q.wakeups),
	}
}

// WriteText renders a Snapshot in Prometheus text exposition format,
// using prometheus/common/model's label-set quoting/escaping so the
// queue name is always rendered as a well-formed label value.
func WriteText(w *strings.Builder, s Snapshot) error {
	type counter struct {
		metric string
		help   string
		value  uint64
	}
	counters := []counter{
		{"bus1q_queue_staged_total", "Nodes staged onto the queue.", s.Staged},
		{"bus1q_queue_committed_total", "Nodes committed onto the queue.", s.Committed},
		{"bus1q_queue_removed_total", "Nodes removed from the queue (dequeued or cancelled).", s.Removed},
		{"bus1q_queue_flushed_total", "Nodes flushed from the queue.", s.Flushed},
		{"bus1q_queue_wakeups_total", "Reader wakeups signalled by the queue.", s.Wakeups},
	}
	for _, c := range counters {
		label := model.LabelSet{"queue": model.LabelValue(s.Name)}
		fmt.Fprintf(w, "# HELP %s %s\n", c.metric, c.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", c.metric)
		fmt.Fprintf(w, "%s%s %d\n", c.metric, label.String(), c.value)
	}
	return nil
}

package bus

import (
	"fmt"
	"io"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kestrelworks/embus/core/events"
	"github.com/kestrelworks/embus/errs"
	"github.com/kestrelworks/embus/internal/mempool"
)

// ListenerInfo is one registry row in a state snapshot.
type ListenerInfo struct {
	Name     string         `json:"name"`
	Sink     string         `json:"sink"`
	Priority int            `json:"priority"`
	ErrFull  bool           `json:"err_full"`
	Refs     int32          `json:"refs"`
	Topics   []events.Topic `json:"topics"`
}

// TopicLatencyInfo reports the fan-out latency window observed for one topic.
type TopicLatencyInfo struct {
	Topic events.Topic  `json:"topic"`
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min_ns"`
	Max   time.Duration `json:"max_ns"`
}

// StateSnapshot captures the dispatcher-owned state at one quiescent point.
type StateSnapshot struct {
	Listeners []ListenerInfo          `json:"listeners"`
	Retained  []events.Topic          `json:"retained_topics"`
	Latency   []TopicLatencyInfo      `json:"latency"`
	Pools     []mempool.IntegrityInfo `json:"pools"`
}

// Snapshot routes through the dispatcher so the registry and retained cache
// are read at a command boundary, never concurrently with a mutation.
func (b *Bus) Snapshot() (*StateSnapshot, error) {
	reply := make(chan *StateSnapshot, 1)
	if err := b.send(command{kind: cmdSnapshot, snapshot: reply}); err != nil {
		return nil, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-b.ctx.Done():
		return nil, errs.New("bus/snapshot", errs.CodeClosed, errs.WithMessage("bus closed"))
	}
}

// buildSnapshot runs on the dispatcher goroutine.
func (b *Bus) buildSnapshot() *StateSnapshot {
	snap := new(StateSnapshot)

	for l := b.first; l != nil; l = l.next {
		snap.Listeners = append(snap.Listeners, ListenerInfo{
			Name:     l.name,
			Sink:     l.kind.String(),
			Priority: l.priority,
			ErrFull:  l.errFull.Load(),
			Refs:     l.refs.Load(),
			Topics:   l.mask.Topics(),
		})
	}

	for topic, msg := range b.retained {
		if msg != nil {
			snap.Retained = append(snap.Retained, events.Topic(topic))
		}
	}

	for topic := range b.latency {
		tl := &b.latency[topic]
		if tl.count == 0 {
			continue
		}
		snap.Latency = append(snap.Latency, TopicLatencyInfo{
			Topic: events.Topic(topic),
			Count: tl.count,
			Min:   tl.min,
			Max:   tl.max,
		})
	}

	snap.Pools = b.pools.Stats()
	return snap
}

// ListenerTable renders the registry as aligned text for debug output.
func (b *Bus) ListenerTable() (string, error) {
	snap, err := b.Snapshot()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-24s %-9s %4s %5s %8s  %s\n", "NAME", "SINK", "PRIO", "REFS", "ERR_FULL", "TOPICS")
	for _, l := range snap.Listeners {
		fmt.Fprintf(&sb, "%-24s %-9s %4d %5d %8v  %v\n", l.Name, l.Sink, l.Priority, l.Refs, l.ErrFull, l.Topics)
	}
	return sb.String(), nil
}

// LatencyTable renders per-topic min/max fan-out latency.
func (b *Bus) LatencyTable() (string, error) {
	snap, err := b.Snapshot()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-7s %10s %12s %12s\n", "TOPIC", "COUNT", "MIN", "MAX")
	for _, tl := range snap.Latency {
		fmt.Fprintf(&sb, "%-7d %10d %12v %12v\n", tl.Topic, tl.Count, tl.Min, tl.Max)
	}
	return sb.String(), nil
}

// PoolStats snapshots per-pool usage.
func (b *Bus) PoolStats() []mempool.IntegrityInfo {
	return b.pools.Stats()
}

// DumpState writes the full snapshot as JSON.
func (b *Bus) DumpState(w io.Writer) error {
	snap, err := b.Snapshot()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode bus state: %w", err)
	}
	return nil
}

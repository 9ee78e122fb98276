package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Registry holds process-lifetime counters for agents, asks and event buses.
type Registry struct {
	asks        sync.Map // agentOutcome -> *atomic.Int64
	askDuration sync.Map // agent -> *durationStats
	starts      sync.Map // agent -> *atomic.Int64
	deaths      sync.Map // agentReason -> *atomic.Int64
	discarded   sync.Map // agent -> *atomic.Int64
	published   sync.Map // busType -> *atomic.Int64
	dropped     sync.Map // busType -> *atomic.Int64
	subscribers sync.Map // bus -> *atomic.Int64
}

type durationStats struct {
	count atomic.Int64
	nanos atomic.Int64
}

type labelPair struct {
	first  string
	second string
}

var Default = &Registry{}

func (r *Registry) IncAsk(agent, outcome string) {
	if r == nil {
		return
	}
	counter(&r.asks, labelPair{normalize(agent), normalize(outcome)}).Add(1)
}

func (r *Registry) ObserveAsk(agent string, duration time.Duration) {
	if r == nil {
		return
	}
	value, _ := r.askDuration.LoadOrStore(normalize(agent), &durationStats{})
	stats := value.(*durationStats)
	stats.count.Add(1)
	stats.nanos.Add(duration.Nanoseconds())
}

func (r *Registry) IncAgentStart(agent string) {
	if r == nil {
		return
	}
	counter(&r.starts, normalize(agent)).Add(1)
}

func (r *Registry) IncAgentDeath(agent, reason string) {
	if r == nil {
		return
	}
	counter(&r.deaths, labelPair{normalize(agent), normalize(reason)}).Add(1)
}

func (r *Registry) IncReplyDiscarded(agent string) {
	if r == nil {
		return
	}
	counter(&r.discarded, normalize(agent)).Add(1)
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	counter(&r.published, labelPair{normalize(bus), normalize(eventType)}).Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	counter(&r.dropped, labelPair{normalize(bus), normalize(eventType)}).Add(1)
}

func (r *Registry) SetEventSubscribers(bus string, count int) {
	if r == nil {
		return
	}
	counter(&r.subscribers, normalize(bus)).Store(int64(count))
}

// AskCount reports the asks recorded for agent and outcome.
func (r *Registry) AskCount(agent, outcome string) int64 {
	if r == nil {
		return 0
	}
	value, ok := r.asks.Load(labelPair{normalize(agent), normalize(outcome)})
	if !ok {
		return 0
	}
	return value.(*atomic.Int64).Load()
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeHeader(writer, "ptybridge_asks_total", "Asks by agent and outcome", "counter")
	for _, key := range pairKeys(&r.asks) {
		fmt.Fprintf(writer, "ptybridge_asks_total{agent=%s,outcome=%s} %d\n", formatLabel(key.first), formatLabel(key.second), load(&r.asks, key))
	}

	writeHeader(writer, "ptybridge_ask_seconds", "Ask latency in seconds", "summary")
	for _, agent := range stringKeys(&r.askDuration) {
		value, _ := r.askDuration.Load(agent)
		stats := value.(*durationStats)
		seconds := float64(stats.nanos.Load()) / float64(time.Second)
		fmt.Fprintf(writer, "ptybridge_ask_seconds_sum{agent=%s} %.6f\n", formatLabel(agent), seconds)
		fmt.Fprintf(writer, "ptybridge_ask_seconds_count{agent=%s} %d\n", formatLabel(agent), stats.count.Load())
	}

	writeHeader(writer, "ptybridge_agent_starts_total", "Agent process starts", "counter")
	for _, agent := range stringKeys(&r.starts) {
		fmt.Fprintf(writer, "ptybridge_agent_starts_total{agent=%s} %d\n", formatLabel(agent), load(&r.starts, agent))
	}

	writeHeader(writer, "ptybridge_agent_deaths_total", "Agent instances that reached dead", "counter")
	for _, key := range pairKeys(&r.deaths) {
		fmt.Fprintf(writer, "ptybridge_agent_deaths_total{agent=%s,reason=%s} %d\n", formatLabel(key.first), formatLabel(key.second), load(&r.deaths, key))
	}

	writeHeader(writer, "ptybridge_replies_discarded_total", "Replies dropped because no pending request matched", "counter")
	for _, agent := range stringKeys(&r.discarded) {
		fmt.Fprintf(writer, "ptybridge_replies_discarded_total{agent=%s} %d\n", formatLabel(agent), load(&r.discarded, agent))
	}

	writeHeader(writer, "ptybridge_events_published_total", "Events published per bus", "counter")
	for _, key := range pairKeys(&r.published) {
		fmt.Fprintf(writer, "ptybridge_events_published_total{bus=%s,type=%s} %d\n", formatLabel(key.first), formatLabel(key.second), load(&r.published, key))
	}
	writeHeader(writer, "ptybridge_events_dropped_total", "Events dropped per bus", "counter")
	for _, key := range pairKeys(&r.dropped) {
		fmt.Fprintf(writer, "ptybridge_events_dropped_total{bus=%s,type=%s} %d\n", formatLabel(key.first), formatLabel(key.second), load(&r.dropped, key))
	}
	writeHeader(writer, "ptybridge_event_subscribers", "Active subscribers per bus", "gauge")
	for _, bus := range stringKeys(&r.subscribers) {
		fmt.Fprintf(writer, "ptybridge_event_subscribers{bus=%s} %d\n", formatLabel(bus), load(&r.subscribers, bus))
	}
	return nil
}

func counter(m *sync.Map, key any) *atomic.Int64 {
	value, _ := m.LoadOrStore(key, &atomic.Int64{})
	return value.(*atomic.Int64)
}

func load(m *sync.Map, key any) int64 {
	value, ok := m.Load(key)
	if !ok {
		return 0
	}
	return value.(*atomic.Int64).Load()
}

func stringKeys(m *sync.Map) []string {
	var keys []string
	m.Range(func(key, _ any) bool {
		if name, ok := key.(string); ok {
			keys = append(keys, name)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

func pairKeys(m *sync.Map) []labelPair {
	var keys []labelPair
	m.Range(func(key, _ any) bool {
		if pair, ok := key.(labelPair); ok {
			keys = append(keys, pair)
		}
		return true
	})
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].first != keys[j].first {
			return keys[i].first < keys[j].first
		}
		return keys[i].second < keys[j].second
	})
	return keys
}

func normalize(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}

func writeHeader(writer io.Writer, metric, help, kind string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
	fmt.Fprintf(writer, "# TYPE %s %s\n", metric, kind)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}

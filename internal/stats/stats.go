package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// Metric names shared by the connection registry and the fan-out engine.
const (
	NumActiveClients     = "NumActiveClients"
	NumMessagesSubmitted = "NumMessagesSubmitted"
	NumDeliveries        = "NumDeliveries"
	NumDroppedDeliveries = "NumDroppedDeliveries"
)

const updateQueueSize = 512

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater owns a set of counters. Updates are applied by a single
// goroutine started with Run so callers on hot paths never contend on them.
type StatsUpdater struct {
	vars   *expvar.Map
	deltas chan delta

	// stopped is guarded by mu. deltas is closed under the write lock so
	// push never sends on a closed channel.
	mu      sync.RWMutex
	stopped bool
}

type delta struct {
	name string
	n    int64
}

// NewStatsUpdater serves the counters as JSON on GET /debug/vars of mux. The
// map is not published to the process-wide expvar registry so several
// updaters can coexist.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars:   new(expvar.Map).Init(),
		deltas: make(chan delta, updateQueueSize),
	}

	started := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(started).Milliseconds()
	}))
	su.vars.Set("Goroutines", expvar.Func(func() any {
		return runtime.NumGoroutine()
	}))

	mux.HandleFunc("GET /debug/vars", su.serveVars)
	return su
}

func (su *StatsUpdater) serveVars(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]json.RawMessage)
	su.vars.Do(func(kv expvar.KeyValue) {
		out[kv.Key] = json.RawMessage(kv.Value.String())
	})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(out)
}

// RegisterMetric adds a counter starting at zero. Registering a name twice
// keeps the existing counter.
func (su *StatsUpdater) RegisterMetric(name string) {
	if su.vars.Get(name) != nil {
		return
	}
	su.vars.Set(name, new(expvar.Int))
}

// Incr and Decr drop the update when the queue is full or the updater has
// been stopped.
func (su *StatsUpdater) Incr(name string) {
	su.push(delta{name: name, n: 1})
}

func (su *StatsUpdater) Decr(name string) {
	su.push(delta{name: name, n: -1})
}

func (su *StatsUpdater) push(d delta) {
	su.mu.RLock()
	defer su.mu.RUnlock()

	if su.stopped {
		return
	}
	select {
	case su.deltas <- d:
	default:
	}
}

// value returns the current value of a registered counter, or 0.
func (su *StatsUpdater) value(name string) int64 {
	if v, ok := su.vars.Get(name).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

func (su *StatsUpdater) Run() {
	go func() {
		for d := range su.deltas {
			// updates for unregistered names are ignored
			if v, ok := su.vars.Get(d.name).(*expvar.Int); ok {
				v.Add(d.n)
			}
		}
	}()
}

// Stop ends the update goroutine. Later updates are discarded.
func (su *StatsUpdater) Stop() {
	su.mu.Lock()
	defer su.mu.Unlock()

	if su.stopped {
		return
	}
	su.stopped = true
	close(su.deltas)
}

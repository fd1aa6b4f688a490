package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

// MapName is the expvar map holding every service metric.
const MapName = "meetup-stats"

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// Register declares a group of counters, such as the metrics of one
// component.
func Register(su StatsProvider, names ...string) {
	for _, name := range names {
		su.RegisterMetric(name)
	}
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	stop       chan struct{}
	stopOnce   sync.Once
}

type metricsUpdateReq struct {
	name  string
	value int
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	expvarData := make(map[string]json.RawMessage)
	su.vars.Do(func(kv expvar.KeyValue) {
		raw := json.RawMessage(kv.Value.String())
		if !json.Valid(raw) {
			// expvar.Var values are JSON by contract; quote anything else
			raw, _ = json.Marshal(kv.Value.String())
		}
		expvarData[kv.Key] = raw
	})

	b, err := json.Marshal(expvarData)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(b)
}

// NewStatsUpdater creates a new stats updater instance.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan *metricsUpdateReq, 512),
		stop:       make(chan struct{}),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	su.vars = publishedMap()
	su.initializeMetrics()

	return su
}

// publishedMap returns the process wide metrics map, creating it on first
// use so more than one updater can exist in a process.
func publishedMap() *expvar.Map {
	if m, ok := expvar.Get(MapName).(*expvar.Map); ok {
		return m
	}
	return expvar.NewMap(MapName)
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("StartedAt", expvar.Func(func() any {
		return startTime.UTC().Format(time.RFC3339)
	}))
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	for {
		select {
		case req := <-su.updateChan:
			metric, ok := su.vars.Get(req.name).(*expvar.Int)
			if !ok {
				panic("metric not found: " + req.name)
			}
			metric.Add(int64(req.value))
		case <-su.stop:
			return
		}
	}
}

func (su *StatsUpdater) send(req *metricsUpdateReq) {
	select {
	case <-su.stop:
		// updates racing shutdown are dropped
	default:
		select {
		case su.updateChan <- req:
		case <-su.stop:
		}
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.send(&metricsUpdateReq{name: name, value: 1})
}

func (su *StatsUpdater) Decr(name string) {
	su.send(&metricsUpdateReq{name: name, value: -1})
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

// Stop ends the update loop. Later updates are discarded; it is safe to
// call more than once.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() {
		close(su.stop)
	})
}

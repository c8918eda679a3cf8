package metrics

import (
	"sync"
	"time"
)

var (
	_counters     = map[string]Counter{}
	_lockCounters = sync.RWMutex{}

	_gauges     = map[string]Gauge{}
	_lockGauges = sync.RWMutex{}

	_stopwatchs    = map[string]StopWatch{}
	_lockstopwatch = sync.RWMutex{}
)

// IncrCounterWithGroup increments a counter metric with the given group.
func IncrCounterWithGroup(key string, group string, value Value) {
	if c := getCounter(key, group); c != nil {
		c.Incr(value)
	}
}

// IncrCounterWithDimGroup increments a counter metric with group and
// dimensions.
func IncrCounterWithDimGroup(key string, group string, value Value, dimensions Dimension) {
	if c := getCounter(key, group); c != nil {
		c.IncrWithDim(value, dimensions)
	}
}

// UpdateGaugeWithGroup updates a gauge metric with the given group.
func UpdateGaugeWithGroup(key string, group string, value Value) {
	if g := getGauge(key, group); g != nil {
		g.Update(value)
	}
}

// UpdateGaugeWithDimGroup updates a gauge metric with group and dimensions.
func UpdateGaugeWithDimGroup(key string, group string, value Value, dimensions Dimension) {
	if g := getGauge(key, group); g != nil {
		g.UpdateWithDim(value, dimensions)
	}
}

// RecordStopwatchWithGroup records the time elapsed since startTime.
func RecordStopwatchWithGroup(key string, group string, startTime time.Time) time.Duration {
	if s := getStopWatch(key, group); s != nil {
		return s.RecordWithDim(nil, startTime)
	}
	return 0
}

func getCounter(name string, group string) Counter {
	_lockCounters.RLock()
	c, ok := _counters[name]
	_lockCounters.RUnlock()
	if ok && c != nil {
		return c
	}

	_lockCounters.Lock()
	defer _lockCounters.Unlock()
	c, ok = _counters[name]
	if ok && c != nil {
		return c
	}
	c = &counter{name: name, group: group}
	_counters[name] = c
	return c
}

func getGauge(name string, group string) Gauge {
	_lockGauges.RLock()
	g, ok := _gauges[name]
	_lockGauges.RUnlock()
	if ok && g != nil {
		return g
	}

	_lockGauges.Lock()
	defer _lockGauges.Unlock()
	g, ok = _gauges[name]
	if ok && g != nil {
		return g
	}
	g = &gauge{name: name, group: group}
	_gauges[name] = g
	return g
}

func getStopWatch(name string, group string) StopWatch {
	_lockstopwatch.RLock()
	s, ok := _stopwatchs[name]
	_lockstopwatch.RUnlock()
	if ok && s != nil {
		return s
	}

	_lockstopwatch.Lock()
	defer _lockstopwatch.Unlock()
	s, ok = _stopwatchs[name]
	if ok && s != nil {
		return s
	}
	s = &stopwatch{name: name, group: group}
	_stopwatchs[name] = s
	return s
}

// Package prometheus implements a metrics reporter that converts records to
// Prometheus collectors and exposes them over HTTP.
package prometheus

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linchenxuan/pipelink/log"
	"github.com/linchenxuan/pipelink/metrics"
)

// PrometheusReporterConfig configures the exposition endpoint.
type PrometheusReporterConfig struct {
	Tag  string `mapstructure:"tag"`  // Optional instance tag for the plugin registry.
	Addr string `mapstructure:"addr"` // Listen address, e.g. ":9100".
	Path string `mapstructure:"path"` // Scrape path, default "/metrics".
}

// GetName returns the configuration key for PrometheusReporterConfig.
func (c *PrometheusReporterConfig) GetName() string {
	return "prometheus"
}

// Validate checks the configuration and fills defaults.
func (c *PrometheusReporterConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("Addr cannot be empty")
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
	return nil
}

// PrometheusReporter converts metric records into Prometheus collectors on
// a private registry. Collectors are created lazily, keyed by subsystem,
// name, and label set.
type PrometheusReporter struct {
	cfg *PrometheusReporterConfig
	reg *prom.Registry
	srv *http.Server

	// mu guards the lazy collector maps and the averaging state.
	mu sync.Mutex
	// avg tracks the running sum and count behind averaged gauges.
	counters map[string]prom.Counter
	gauges   map[string]prom.Gauge
	avg      map[string]*avgState
}

type avgState struct {
	sum float64
	cnt int
}

// NewPrometheusReporter creates a reporter for the given configuration.
func NewPrometheusReporter(cfg *PrometheusReporterConfig) *PrometheusReporter {
	return &PrometheusReporter{
		cfg:      cfg,
		reg:      prom.NewRegistry(),
		counters: make(map[string]prom.Counter),
		gauges:   make(map[string]prom.Gauge),
		avg:      make(map[string]*avgState),
	}
}

// FactoryName identifies the factory that produced this plugin.
func (p *PrometheusReporter) FactoryName() string {
	return "prometheus"
}

// Report converts one record. The metrics facade serializes nothing, so
// Report may be called from several goroutines at once: mu guards the lazy
// collector maps and the averaging state, while the collectors themselves
// use Prometheus's own synchronization.
func (p *PrometheusReporter) Report(r metrics.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := r.Metrics()
	switch m.Policy() {
	case metrics.Policy_Sum:
		p.counterFor(&r).Add(float64(r.Value()))
	case metrics.Policy_Set:
		p.gaugeFor(&r).Set(float64(r.Value()))
	case metrics.Policy_Avg, metrics.Policy_Stopwatch:
		g := p.gaugeFor(&r)
		st := p.avg[recordKey(&r)]
		v, c := r.RawData()
		st.sum += float64(v)
		st.cnt += c
		if st.cnt > 0 {
			g.Set(st.sum / float64(st.cnt))
		}
	default:
		p.gaugeFor(&r).Set(float64(r.Value()))
	}
}

func recordKey(r *metrics.Record) string {
	m := r.Metrics()
	var sb strings.Builder
	sb.WriteString(m.Group())
	sb.WriteByte('.')
	sb.WriteString(m.Name())
	dims := r.Dimensions()
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(dims[k])
	}
	return sb.String()
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, ".", "_")
}

func (p *PrometheusReporter) counterFor(r *metrics.Record) prom.Counter {
	key := recordKey(r)
	if c, ok := p.counters[key]; ok {
		return c
	}
	m := r.Metrics()
	c := prom.NewCounter(prom.CounterOpts{
		Subsystem:   sanitize(m.Group()),
		Name:        sanitize(m.Name()),
		ConstLabels: r.Dimensions(),
	})
	if err := p.reg.Register(c); err != nil {
		log.Warn().Err(err).Str("metric", key).Msg("Failed to register counter")
	}
	p.counters[key] = c
	return c
}

func (p *PrometheusReporter) gaugeFor(r *metrics.Record) prom.Gauge {
	key := recordKey(r)
	if g, ok := p.gauges[key]; ok {
		return g
	}
	m := r.Metrics()
	g := prom.NewGauge(prom.GaugeOpts{
		Subsystem:   sanitize(m.Group()),
		Name:        sanitize(m.Name()),
		ConstLabels: r.Dimensions(),
	})
	if err := p.reg.Register(g); err != nil {
		log.Warn().Err(err).Str("metric", key).Msg("Failed to register gauge")
	}
	p.gauges[key] = g
	if _, ok := p.avg[key]; !ok {
		p.avg[key] = &avgState{}
	}
	return g
}

// start exposes the registry over HTTP.
func (p *PrometheusReporter) start() {
	mux := http.NewServeMux()
	mux.Handle(p.cfg.Path, promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{}))
	p.srv = &http.Server{Addr: p.cfg.Addr, Handler: mux}
	go func() {
		if err := p.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", p.cfg.Addr).Msg("Prometheus exposition server failed")
		}
	}()
	log.Info().Str("addr", p.cfg.Addr).Str("path", p.cfg.Path).Msg("Prometheus reporter started")
}

// stop shuts the exposition endpoint down.
func (p *PrometheusReporter) stop() {
	if p.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Prometheus exposition server shutdown failed")
	}
}

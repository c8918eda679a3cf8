package prometheus

import (
	"fmt"

	"github.com/linchenxuan/pipelink/plugin"
)

// Factory builds PrometheusReporter instances for the plugin manager.
type Factory struct{}

// Type returns the plugin type.
func (f *Factory) Type() plugin.Type {
	return plugin.Metrics
}

// Name returns the name of the plugin implementation.
func (f *Factory) Name() string {
	return "prometheus"
}

// ConfigType returns an empty config struct for the manager to populate.
func (f *Factory) ConfigType() any {
	return &PrometheusReporterConfig{}
}

// Setup initializes a reporter from the decoded configuration and starts
// its exposition endpoint.
func (f *Factory) Setup(cfgAny any) (plugin.Plugin, error) {
	cfg, ok := cfgAny.(*PrometheusReporterConfig)
	if !ok {
		return nil, fmt.Errorf("prometheus setup: unexpected config type %T", cfgAny)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("prometheus setup: %w", err)
	}

	p := NewPrometheusReporter(cfg)
	p.start()
	return p, nil
}

// Destroy stops the reporter's exposition endpoint.
func (f *Factory) Destroy(p plugin.Plugin) {
	if prom, ok := p.(*PrometheusReporter); ok {
		prom.stop()
	}
}

// Package pipelink assembles the framework components around the named-pipe
// IPC server: logging, plugins, metrics reporting, and the event bus.
package pipelink

import (
	"time"

	"github.com/linchenxuan/pipelink/config"
	"github.com/linchenxuan/pipelink/event"
	"github.com/linchenxuan/pipelink/log"
	"github.com/linchenxuan/pipelink/metrics"
	"github.com/linchenxuan/pipelink/metrics/prometheus"
	"github.com/linchenxuan/pipelink/pipe"
	"github.com/linchenxuan/pipelink/plugin"
)

// TopicServerEvents is the event-bus topic every ServerEvent is published
// on when the assembly owns the server.
const TopicServerEvents = "pipelink.server"

// Pipelink is the application assembly: the server plus the ambient
// components it reports through.
type Pipelink struct {
	Logger        log.Logger
	PluginManager *plugin.Manager
	Publisher     *event.Publisher
	Server        *pipe.Server
}

// New builds an assembly from a loaded configuration. It initializes the
// default logger, sets up configured plugins (registering the Prometheus
// metrics factory), wires metric reporters, creates the server, and bridges
// its events onto the TopicServerEvents bus topic.
func New(cfg *config.AppConfig) (*Pipelink, error) {
	if err := cfg.Log.Validate(); err != nil {
		return nil, err
	}
	logger := log.NewLogger(&cfg.Log)
	log.SetDefaultLogger(logger)

	pm := plugin.NewManager()
	pm.RegisterFactory(&prometheus.Factory{})
	if err := pm.SetupPlugins(cfg.Plugin); err != nil {
		return nil, err
	}
	if ins, err := pm.GetDefaultPlugin(plugin.Metrics); err == nil {
		if reporter, ok := ins.(metrics.Reporter); ok {
			metrics.SetMetricsReporters([]metrics.Reporter{reporter})
		}
	}

	srv, err := pipe.NewServer(&cfg.Server)
	if err != nil {
		return nil, err
	}

	pub := event.NewPublisher()
	if err := pub.NewTopic(TopicServerEvents, time.Second); err != nil {
		return nil, err
	}
	srv.OnEvent(func(ev pipe.ServerEvent) {
		_ = pub.Publish(TopicServerEvents, ev)
	})

	p := &Pipelink{
		Logger:        logger,
		PluginManager: pm,
		Publisher:     pub,
		Server:        srv,
	}
	log.Info().Str("pipe", cfg.Server.PipeName).Msg("Pipelink application initialized")
	return p, nil
}

// Stop gracefully shuts the assembly down: the server first, then logging.
func (p *Pipelink) Stop() {
	log.Info().Msg("Pipelink application shutting down")
	p.Server.Stop()
	log.Close()
}

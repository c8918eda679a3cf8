package metrics

var _Reporters []Reporter

// Reporter is the interface for metric reporting backends such as
// Prometheus or StatsD.
type Reporter interface {
	Report(r Record)
}

// SetMetricsReporters sets the global list of reporters. All metrics are
// forwarded to every reporter on update.
func SetMetricsReporters(reporters []Reporter) {
	_Reporters = reporters
}

package metrics

// Gauge tracks a point-in-time value that can go up or down, such as the
// number of current connections.
type Gauge interface {
	Metrics
	// UpdateWithDim sets the gauge to v with dimensions.
	UpdateWithDim(v Value, dimensions Dimension)
	// Update sets the gauge to v without dimensions.
	Update(v Value)
}

type gauge struct {
	name  string
	group string
}

func (g *gauge) Name() string { return g.name }

func (g *gauge) Group() string { return g.group }

func (g *gauge) Policy() Policy { return Policy_Set }

func (g *gauge) Update(v Value) {
	g.UpdateWithDim(v, nil)
}

func (g *gauge) UpdateWithDim(v Value, dimensions Dimension) {
	r := Record{metrics: g, value: v, dimensions: dimensions}
	for _, reporter := range _Reporters {
		reporter.Report(r)
	}
}

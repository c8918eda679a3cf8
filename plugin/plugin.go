package plugin

// Type is the category of plugin supported by the system.
type Type string

const (
	// Metrics identifies metric reporter plugins.
	Metrics = "metrics"
)

// Factory is the interface for plugin factories.
type Factory interface {
	// Type returns the plugin type.
	Type() Type
	// Name returns the name of the plugin implementation.
	Name() string
	// ConfigType returns an empty struct representing the plugin's
	// configuration, populated by the manager using mapstructure.
	ConfigType() any
	// Setup initializes a plugin instance from the decoded configuration.
	Setup(any) (Plugin, error)
	// Destroy releases a plugin instance.
	Destroy(Plugin)
}

// Plugin is one initialized plugin instance.
type Plugin interface {
	FactoryName() string
}

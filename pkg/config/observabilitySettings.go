package config

// Observability configures tracing and metrics. Both endpoints are optional:
// an empty TracingURL disables trace export, an empty MetricsAddr disables
// the /metrics listener.
type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

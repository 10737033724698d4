package telemetry

// Tracing of the call sessions.
type Config struct {
	OTLP OTLP `yaml:"otlp"`
	// Collector endpoint of a Jaeger instance. Ignored when OTLP is configured.
	JaegerURL string `yaml:"jaegerUrl"`
	// Service name reported with the traces, `duet` by default.
	Package string `yaml:"package"`
	// Identifies this client among the others, random if unset.
	ID string `yaml:"id"`
	// Share of the calls that are traced, between 0 and 1. Everything is traced if unset.
	SampleRatio float64 `yaml:"sampleRatio"`
}

type OTLP struct {
	// host:port of the collector, without a URL path.
	Host string `yaml:"host"`
	// Talk HTTPS instead of HTTP.
	Secure bool `yaml:"secure"`
}

// Tracing is enabled only if an exporter is configured.
func (c Config) Enabled() bool {
	return c.OTLP.Host != "" || c.JaegerURL != ""
}

func (c Config) sampler() float64 {
	if c.SampleRatio <= 0 || c.SampleRatio > 1 {
		return 1
	}

	return c.SampleRatio
}

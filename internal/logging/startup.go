package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects worker identity, queue/bucket/table wiring, and
// configuration, then emits a single structured event summarising the
// process startup state. One event makes it easy to see exactly how a
// worker was configured when troubleshooting from the log stream.
type StartupLogger struct {
	stage        string
	version      string
	initDuration time.Duration

	queues    map[string]string
	buckets   map[string]string
	tables    map[string]string
	ssmParams map[string]string
	features  map[string]bool
	config    map[string]string
}

// NewStartupLogger creates a StartupLogger for the given stage worker.
func NewStartupLogger(stage string) *StartupLogger {
	return &StartupLogger{
		stage:     stage,
		queues:    make(map[string]string),
		buckets:   make(map[string]string),
		tables:    make(map[string]string),
		ssmParams: make(map[string]string),
		features:  make(map[string]bool),
		config:    make(map[string]string),
	}
}

// Version sets the version string baked into the binary at build time.
func (s *StartupLogger) Version(v string) *StartupLogger {
	s.version = v
	return s
}

// Queue registers a queue URL used by this worker.
func (s *StartupLogger) Queue(label, url string) *StartupLogger {
	if url != "" {
		s.queues[label] = url
	}
	return s
}

// Bucket registers an object-storage bucket used by this worker.
func (s *StartupLogger) Bucket(label, name string) *StartupLogger {
	if name != "" {
		s.buckets[label] = name
	}
	return s
}

// Table registers a DynamoDB table used by this worker.
func (s *StartupLogger) Table(label, name string) *StartupLogger {
	if name != "" {
		s.tables[label] = name
	}
	return s
}

// SSMParam registers an SSM parameter path loaded by this worker.
// Only the path is logged, never the value.
func (s *StartupLogger) SSMParam(label, path string) *StartupLogger {
	if path != "" {
		s.ssmParams[label] = path
	}
	return s
}

// Feature registers a boolean feature flag (e.g. "gemini").
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration key-value pair.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// InitDuration records how long worker wiring took to complete.
func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// EnvOrDefault returns the value of the named environment variable, or
// defaultVal if the variable is empty or unset.
func EnvOrDefault(envVar, defaultVal string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return defaultVal
}

// Log emits a single structured INFO event with all collected information.
func (s *StartupLogger) Log() {
	evt := log.Info()

	workerDict := zerolog.Dict().
		Str("stage", s.stage).
		Str("region", os.Getenv("AWS_REGION")).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("logLevel", os.Getenv("PIPELINE_LOG_LEVEL"))
	if s.version != "" {
		workerDict = workerDict.Str("version", s.version)
	}
	evt = evt.Dict("worker", workerDict)

	resources := zerolog.Dict()
	hasResources := false
	if len(s.queues) > 0 {
		resources = resources.Dict("queues", dictFromMap(s.queues))
		hasResources = true
	}
	if len(s.buckets) > 0 {
		resources = resources.Dict("buckets", dictFromMap(s.buckets))
		hasResources = true
	}
	if len(s.tables) > 0 {
		resources = resources.Dict("tables", dictFromMap(s.tables))
		hasResources = true
	}
	if len(s.ssmParams) > 0 {
		resources = resources.Dict("ssmParams", dictFromMap(s.ssmParams))
		hasResources = true
	}
	if hasResources {
		evt = evt.Dict("resources", resources)
	}

	if len(s.features) > 0 {
		d := zerolog.Dict()
		for k, v := range s.features {
			d = d.Bool(k, v)
		}
		evt = evt.Dict("features", d)
	}
	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}
	if s.initDuration > 0 {
		evt = evt.Dur("initDuration", s.initDuration)
	}

	evt.Msg("Worker startup complete")
}

// dictFromMap converts a map[string]string into a zerolog Dict.
func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}

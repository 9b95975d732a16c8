package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr   string `env:"LISTEN_ADDR, default=0.0.0.0:6555"`
	DBPath       string `env:"DB_PATH, default=loom.db"`
	WorkflowsDir string `env:"WORKFLOWS_DIR, default=.loom/workflows"`
	QueueSize    int    `env:"QUEUE_SIZE, default=100"`
}

type Pipelines struct {
	Engine         string        `env:"ENGINE, default=local"`
	LogDir         string        `env:"LOG_DIR, default=/var/log/loom"`
	WorkDir        string        `env:"WORK_DIR"`
	ActionsDir     string        `env:"ACTIONS_DIR, default=/usr/local/share/loom/actions"`
	CloneBase      string        `env:"CLONE_BASE, default=https://github.com"`
	StepTimeout    time.Duration `env:"STEP_TIMEOUT, default=360m"`
	JobTimeout     time.Duration `env:"JOB_TIMEOUT, default=360m"`
	MaxParallel    int           `env:"MAX_PARALLEL, default=0"`
	MaxOutput      int           `env:"MAX_OUTPUT, default=1048576"`
	Shell          string        `env:"SHELL, default=sh"`
	KeepWorkspaces bool          `env:"KEEP_WORKSPACES, default=false"`
}

type Docker struct {
	DefaultImage string `env:"DEFAULT_IMAGE, default=ubuntu:24.04"`
	PullAttempts uint   `env:"PULL_ATTEMPTS, default=3"`
}

// Telemetry is off unless an exporter is named: stdout or otlp.
type Telemetry struct {
	Exporter string `env:"EXPORTER"`
	Endpoint string `env:"ENDPOINT"`
}

type Config struct {
	LogLevel  string    `env:"LOOM_LOG_LEVEL, default=info"`
	Server    Server    `env:",prefix=LOOM_SERVER_"`
	Pipelines Pipelines `env:",prefix=LOOM_PIPELINES_"`
	Docker    Docker    `env:",prefix=LOOM_DOCKER_"`
	Telemetry Telemetry `env:",prefix=LOOM_TELEMETRY_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default is the configuration with every default applied and nothing
// read from the environment.
func Default() *Config {
	var cfg Config
	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MapLookuper(nil),
	}); err != nil {
		panic(err)
	}
	return &cfg
}

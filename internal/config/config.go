package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	RuntimeNode      = "node"
	RuntimeLambdaAPI = "lambda-api"
)

// Config is read from LOCALSCHED_* variables (and .env), then overridden by
// flags. Keys are the field names split on word boundaries: LOCALSCHED_DB_PATH.
type Config struct {
	ProjectFile    string        `split_words:"true" default:"serverless.yml" validate:"required"`
	ServicePath    string        `split_words:"true"`
	Location       string        `split_words:"true"`
	Addr           string        `split_words:"true" default:":3005"`
	DBPath         string        `split_words:"true" default:"localsched.db" validate:"required"`
	Workers        int           `split_words:"true" default:"8" validate:"min=1,max=1024"`
	Timezone       string        `split_words:"true"`
	Runtime        string        `split_words:"true" default:"node" validate:"oneof=node lambda-api"`
	NodeBinary     string        `split_words:"true" default:"node" validate:"required"`
	Extension      string        `split_words:"true" default:".js" validate:"startswith=."`
	LambdaEndpoint string        `split_words:"true" default:"http://localhost:3002" validate:"omitempty,url"`
	InvokeTimeout  time.Duration `split_words:"true" validate:"min=0"`
	ProcessEnv     bool          `split_words:"true"`
	Watch          bool          `split_words:"true"`
	LogLevel       string        `split_words:"true" default:"info" validate:"oneof=trace debug info warn error"`
	Debug          bool          `split_words:"true"`
}

const envPrefix = "LOCALSCHED"

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	return &cfg, nil
}

// BindFlags registers flags whose defaults are the values already loaded.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ProjectFile, "config", c.ProjectFile, "serverless project file")
	fs.StringVar(&c.ServicePath, "service-path", c.ServicePath, "service root (default: project file directory)")
	fs.StringVar(&c.Location, "location", c.Location, "build directory relative to the service root")
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP bind address (empty disables the API)")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "SQLite DB path")
	fs.IntVar(&c.Workers, "workers", c.Workers, "max concurrent invocations")
	fs.StringVar(&c.Timezone, "tz", c.Timezone, "IANA timezone for cron schedules")
	fs.StringVar(&c.Runtime, "runtime", c.Runtime, "function runtime: node or lambda-api")
	fs.StringVar(&c.NodeBinary, "node", c.NodeBinary, "node binary for the node runtime")
	fs.StringVar(&c.Extension, "ext", c.Extension, "module file extension")
	fs.StringVar(&c.LambdaEndpoint, "lambda-endpoint", c.LambdaEndpoint, "Lambda Invoke API base URL")
	fs.DurationVar(&c.InvokeTimeout, "invoke-timeout", c.InvokeTimeout, "per invocation timeout (0 = none)")
	fs.BoolVar(&c.ProcessEnv, "process-env", c.ProcessEnv, "also write function environment into this process")
	fs.BoolVar(&c.Watch, "watch", c.Watch, "reload schedules when the project file changes")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "expose pprof on the API")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

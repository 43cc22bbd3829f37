// ============================================================================
// runsh Config - 設定載入
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Worker configuration. Values are layered in this order, later
//          layers winning:
//
//   1. Defaults()
//   2. YAML file (--config, optional)
//   3. .env file (optional, loaded into the process environment)
//   4. Environment variables
//
// The resulting Config is passed explicitly to every component.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/runsh/internal/logging"
)

// Config represents the complete worker configuration
type Config struct {
	AMQP struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
		Queue    string `yaml:"queue"`
	} `yaml:"amqp"`

	API struct {
		URL             string        `yaml:"url"`
		Timeout         time.Duration `yaml:"timeout"`
		RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed"`
	} `yaml:"api"`

	Node struct {
		ID                  string `yaml:"id"`
		TypeCode            int    `yaml:"type_code"`
		SystemTypeCode      int    `yaml:"system_type_code"`
		PIDFile             string `yaml:"pid_file"`
		ExecContainerPrefix string `yaml:"exec_container_prefix"`
	} `yaml:"node"`

	Console struct {
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"console"`

	Validate struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"validate"`

	Reconnect struct {
		Initial time.Duration `yaml:"initial"`
		Max     time.Duration `yaml:"max"`
	} `yaml:"reconnect"`

	Restart struct {
		Attempts int           `yaml:"attempts"`
		Base     time.Duration `yaml:"base"`
	} `yaml:"restart"`

	Dirs struct {
		BuildRoot       string `yaml:"build_root"`
		Mexec           string `yaml:"mexec"`
		Cexec           string `yaml:"cexec"`
		SSH             string `yaml:"ssh"`
		OnStartEnvs     string `yaml:"on_start_envs"`
		SubscriptionKey string `yaml:"subscription_key"`
	} `yaml:"dirs"`

	Docker struct {
		Host string `yaml:"host"`
	} `yaml:"docker"`

	Log logging.Config `yaml:"log"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`
}

// Defaults returns a Config with every optional field filled in.
func Defaults() *Config {
	var cfg Config
	cfg.AMQP.Exchange = "shippableEx"
	cfg.API.Timeout = 30 * time.Second
	cfg.API.RetryMaxElapsed = 30 * time.Minute
	cfg.Node.SystemTypeCode = 7001
	cfg.Node.PIDFile = "/var/run/job.pid"
	cfg.Node.ExecContainerPrefix = "shippable-exec"
	cfg.Console.BatchSize = 10
	cfg.Console.FlushInterval = 3 * time.Second
	cfg.Validate.Interval = 2 * time.Minute
	cfg.Reconnect.Initial = time.Second
	cfg.Reconnect.Max = 180 * time.Second
	cfg.Restart.Attempts = 5
	cfg.Restart.Base = time.Second
	cfg.Dirs.BuildRoot = "/build"
	cfg.Dirs.Mexec = "/tmp/mexec"
	cfg.Dirs.Cexec = "/tmp/cexec"
	cfg.Dirs.SSH = "/tmp/ssh"
	cfg.Dirs.OnStartEnvs = "/shippableci/onstartjobenvs"
	cfg.Dirs.SubscriptionKey = "/tmp/00_sub"
	cfg.Metrics.Port = 9090
	cfg.Health.Port = 50051
	return &cfg
}

// Load 依序套用預設值、YAML 檔、.env 與環境變數
//
// 參數：
//   - path: YAML 設定檔路徑，空字串代表略過
//   - envFile: .env 檔案路徑，空字串代表略過；檔案不存在時忽略
func Load(path, envFile string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.AMQP.URL, "SHIPPABLE_AMQP_URL")
	setString(&c.AMQP.Exchange, "SHIPPABLE_AMQP_EXCHANGE")
	setString(&c.AMQP.Queue, "LISTEN_QUEUE")
	setString(&c.API.URL, "SHIPPABLE_API_URL")
	setString(&c.Node.ID, "NODE_ID")
	setString(&c.Node.PIDFile, "PID_FILE")
	setString(&c.Node.ExecContainerPrefix, "EXEC_CONTAINER_PREFIX")
	setString(&c.Log.RunMode, "RUN_MODE")
	setString(&c.Log.Path, "LOG_PATH")
	setString(&c.Docker.Host, "DOCKER_HOST")

	if v := os.Getenv("NODE_TYPE_CODE"); v != "" {
		code, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NODE_TYPE_CODE must be an integer: %w", err)
		}
		c.Node.TypeCode = code
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// Validate reports every missing required field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.AMQP.URL == "" {
		errs = append(errs, errors.New("missing amqp url (SHIPPABLE_AMQP_URL)"))
	}
	if c.AMQP.Exchange == "" {
		errs = append(errs, errors.New("missing amqp exchange (SHIPPABLE_AMQP_EXCHANGE)"))
	}
	if c.AMQP.Queue == "" {
		errs = append(errs, errors.New("missing listen queue (LISTEN_QUEUE)"))
	}
	if c.API.URL == "" {
		errs = append(errs, errors.New("missing api url (SHIPPABLE_API_URL)"))
	}
	if c.Node.ID == "" {
		errs = append(errs, errors.New("missing node id (NODE_ID)"))
	}
	if c.Node.TypeCode == 0 {
		errs = append(errs, errors.New("missing node type code (NODE_TYPE_CODE)"))
	}
	return errors.Join(errs...)
}

// IsSystemNode reports whether this worker runs on a system node.
func (c *Config) IsSystemNode() bool {
	return c.Node.TypeCode == c.Node.SystemTypeCode
}

// ExecContainerName is the name of this node's exec container.
func (c *Config) ExecContainerName() string {
	return fmt.Sprintf("%s-%s", c.Node.ExecContainerPrefix, c.Node.ID)
}

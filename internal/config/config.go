// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taro/internal/domain"
	"taro/internal/persistence"
	"taro/internal/scheduler"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/viper"
)

// FileName is the base name of the configuration file, without extension.
const FileName = "taro"

// Config holds all configuration of taro.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	Log           LogConfig           `mapstructure:"log"`
	Persistence   PersistenceConfig   `mapstructure:"persistence"`
	Plugins       []string            `mapstructure:"plugins" validate:"dive,oneof=metrics tracing"`
	DefaultAction string              `mapstructure:"default_action" validate:"omitempty,oneof=history schedule backends"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Jobs          []JobConfig         `mapstructure:"jobs" validate:"dive"`
	DisabledJobs  []DisabledJobConfig `mapstructure:"disabled_jobs" validate:"dive"`
}

type LogConfig struct {
	Mode   string         `mapstructure:"mode" validate:"oneof=enabled disabled"`
	Stdout LogLevelConfig `mapstructure:"stdout"`
	File   LogFileConfig  `mapstructure:"file"`
}

type LogLevelConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error off"`
}

type LogFileConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error off"`
	Path  string `mapstructure:"path"`
}

type PersistenceConfig struct {
	Enabled    bool       `mapstructure:"enabled"`
	Type       string     `mapstructure:"type" validate:"required"`
	MaxAge     string     `mapstructure:"max_age" validate:"omitempty,iso8601"`
	MaxRecords int        `mapstructure:"max_records" validate:"gte=-1"`
	Database   string     `mapstructure:"database"`
	Etcd       EtcdConfig `mapstructure:"etcd"`
}

type EtcdConfig struct {
	Endpoints []string      `mapstructure:"endpoints"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	// Textfile is written periodically while scheduling, and after every exec.
	Textfile string        `mapstructure:"textfile"`
	Interval time.Duration `mapstructure:"interval"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// JobConfig defines a job. Exactly one of Command and URL must be set.
type JobConfig struct {
	ID                string            `mapstructure:"id" validate:"required"`
	Properties        map[string]string `mapstructure:"properties"`
	Schedule          string            `mapstructure:"schedule" validate:"omitempty,cron"`
	Command           string            `mapstructure:"command" validate:"required_without=URL,excluded_with=URL"`
	ReadOutput        bool              `mapstructure:"read_output"`
	URL               string            `mapstructure:"url" validate:"omitempty,url"`
	Method            string            `mapstructure:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD"`
	MaxRetries        int               `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	Backoff           time.Duration     `mapstructure:"backoff"`
	ConcurrencyPolicy string            `mapstructure:"concurrency_policy" validate:"omitempty,oneof=allow forbid"`
	Warnings          WarningsConfig    `mapstructure:"warnings"`
}

type WarningsConfig struct {
	ExecTime time.Duration `mapstructure:"exec_time"`
	Output   string        `mapstructure:"output"`
}

type DisabledJobConfig struct {
	JobID   string `mapstructure:"job_id" validate:"required"`
	Regex   bool   `mapstructure:"regex"`
	Expires string `mapstructure:"expires" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.mode", "enabled")
	v.SetDefault("log.stdout.level", "warn")
	v.SetDefault("log.file.level", "off")
	v.SetDefault("log.file.path", "")
	v.SetDefault("persistence.enabled", true)
	v.SetDefault("persistence.type", "sqlite")
	v.SetDefault("persistence.max_age", "")
	v.SetDefault("persistence.max_records", -1)
	v.SetDefault("persistence.database", "")
	v.SetDefault("persistence.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("persistence.etcd.timeout", "5s")
	v.SetDefault("plugins", []string{})
	v.SetDefault("default_action", "history")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("metrics.interval", "15s")
	v.SetDefault("tracing.enabled", false)
}

// Loader reads the configuration from a file and TARO_* environment variables.
type Loader struct {
	v        *viper.Viper
	explicit bool
	validate *validator.Validate
}

// NewLoader creates a loader for the given file. An empty path searches taro.yaml
// in ./configs, the working directory and $HOME/.config/taro.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "taro"))
		}
	}

	v.SetEnvPrefix("TARO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, explicit: path != "", validate: newValidator()}
}

// Load loads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load reads and validates the configuration. A missing file is not an error
// unless the path was given explicitly.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.explicit || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read configuration")
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// File returns the configuration file in use, or an empty string.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the configuration whenever the file changes. Invalid
// configurations are reported through onChange with a nil config.
func (l *Loader) Watch(onChange func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := l.v.ReadInConfig(); err != nil {
			onChange(nil, errors.Wrap(err, "failed to reload configuration"))
			return
		}
		onChange(l.decode())
	})
	l.v.WatchConfig()
}

func newValidator() *validator.Validate {
	validate := validator.New()

	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := scheduler.ParseSchedule(fl.Field().String())
		return err == nil
	})

	_ = validate.RegisterValidation("iso8601", func(fl validator.FieldLevel) bool {
		_, err := persistence.ParseISODuration(fl.Field().String())
		return err == nil
	})

	return validate
}

// Validate checks the configuration against its validation tags.
func (l *Loader) Validate(cfg *Config) error {
	err := l.validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return errors.Wrap(err, "failed to validate configuration")
	}
	details := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		details = append(details, fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Namespace(), fe.Tag()))
	}
	return errors.WithHint(
		errors.Newf("invalid configuration: %s", strings.Join(details, "; ")),
		"check the configuration file "+l.File(),
	)
}

// PersistenceSettings converts the persistence section for the persistence manager.
func (c *Config) PersistenceSettings() persistence.Settings {
	return persistence.Settings{
		Enabled:    c.Persistence.Enabled,
		Type:       c.Persistence.Type,
		MaxAge:     c.Persistence.MaxAge,
		MaxRecords: c.Persistence.MaxRecords,
	}
}

// ToJob converts the job definition. The command is split like a shell would.
func (j JobConfig) ToJob() (domain.Job, error) {
	job := domain.Job{
		ID:                j.ID,
		Properties:        j.Properties,
		Schedule:          j.Schedule,
		ConcurrencyPolicy: domain.ConcurrencyPolicy(j.ConcurrencyPolicy),
		Warnings: domain.JobWarnings{
			ExecTime: j.Warnings.ExecTime,
			Output:   j.Warnings.Output,
		},
	}
	if j.URL != "" {
		job.ExecutorType = domain.ExecutorTypeHTTP
		job.Executor = domain.JobExecutor{URL: j.URL, Method: j.Method}
		if j.MaxRetries > 0 {
			job.RetryPolicy = &domain.RetryPolicy{MaxRetries: j.MaxRetries, Backoff: j.Backoff}
		}
	} else {
		args, err := shellquote.Split(j.Command)
		if err != nil {
			return domain.Job{}, errors.Wrapf(err, "job %s: invalid command %q", j.ID, j.Command)
		}
		job.ExecutorType = domain.ExecutorTypeProgram
		job.Executor = domain.JobExecutor{Args: args, ReadOutput: j.ReadOutput}
	}
	if err := job.Validate(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// JobsToRun converts all job definitions.
func (c *Config) JobsToRun() ([]domain.Job, error) {
	jobs := make([]domain.Job, 0, len(c.Jobs))
	for _, jc := range c.Jobs {
		job, err := jc.ToJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// FindJob returns the job definition with the given id.
func (c *Config) FindJob(id string) (domain.Job, error) {
	for _, jc := range c.Jobs {
		if jc.ID == id {
			return jc.ToJob()
		}
	}
	return domain.Job{}, errors.Wrapf(domain.ErrJobNotFound, "job %s", id)
}

// DisabledJobRules converts the disabled job rules.
func (c *Config) DisabledJobRules() []domain.DisabledJob {
	rules := make([]domain.DisabledJob, 0, len(c.DisabledJobs))
	for _, d := range c.DisabledJobs {
		rule := domain.DisabledJob{JobID: d.JobID, Regex: d.Regex}
		if d.Expires != "" {
			// validated by the datetime tag
			rule.Expires, _ = time.Parse(time.RFC3339, d.Expires)
		}
		rules = append(rules, rule)
	}
	return rules
}

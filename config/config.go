// Copyright 2026 Harry Finbow
//
//    Licensed under the Apache License, Version 2.0 (the "License"); you may
//    not use this file except in compliance with the License. You may obtain
//    a copy of the License at
//
//         http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
//    WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
//    License for the specific language governing permissions and limitations
//    under the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	runnerErrors "github.com/harryfinbow/runner-manager/errors"
)

type DBBackendType string
type LogLevel string
type LogFormat string

const (
	// MySQLBackend represents the MySQL job journal backend
	MySQLBackend DBBackendType = "mysql"
	// SQLiteBackend represents the SQLite3 job journal backend
	SQLiteBackend DBBackendType = "sqlite3"

	// EnvConfigFile is the environment variable holding the path to the
	// configuration file.
	EnvConfigFile = "CONFIG_FILE"

	// DefaultConfigFilePath is the default path on disk to the
	// runner-manager configuration file.
	DefaultConfigFilePath = "/etc/runner-manager/config.yaml"

	// DefaultManagerName is the manager identity stamped on every
	// provisioned instance unless overridden.
	DefaultManagerName = "runner-manager"

	// DefaultAPIBindAddress is the default bind address of the API server.
	DefaultAPIBindAddress = "0.0.0.0:9997"

	// DefaultWebhookQueueSize is the capacity of the webhook intake queue.
	// Overflow returns 503 so the hosting service retries.
	DefaultWebhookQueueSize = 128

	// DefaultGithubBaseURL is used when github_base_url is not set.
	DefaultGithubBaseURL = "https://api.github.com"
)

const (
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

var (
	// DefaultTimeoutRunner is how long a runner may remain in provisioning
	// or idle before the healthcheck reconciler reaps it.
	DefaultTimeoutRunner = 15 * time.Minute
	// DefaultTimeToLive is the maximum total age of a runner.
	DefaultTimeToLive = 12 * time.Hour
	// DefaultHealthcheckInterval is the period of the healthcheck loop.
	DefaultHealthcheckInterval = 15 * time.Minute
	// DefaultIndexingInterval is the period of the indexing loop.
	DefaultIndexingInterval = 1 * time.Hour
)

// NewConfig returns a new Config loaded from the default source chain:
// the YAML file at cfgFile, then the environment, then the secret files
// directory. Earlier sources win for any key set in more than one.
func NewConfig(cfgFile string) (*Config, error) {
	return LoadConfig(DefaultSources(cfgFile)...)
}

// LoadConfig merges the given settings sources in order (the first source
// that sets a key wins), decodes the result, applies defaults and
// validates it.
func LoadConfig(sources ...Source) (*Config, error) {
	merged := map[string]interface{}{}
	for _, src := range sources {
		settings, err := src.Settings()
		if err != nil {
			return nil, errors.Wrapf(err, "reading settings from %s", src.Name())
		}
		for key, val := range settings {
			if _, ok := merged[key]; !ok {
				merged[key] = val
			}
		}
	}

	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, errors.Wrap(err, "encoding merged settings")
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "decoding merged settings")
	}

	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return &config, nil
}

// Config is the runner-manager daemon configuration.
type Config struct {
	// Name is the manager identity. It is stamped on every provisioned
	// instance as a provider label and used to claim ownership of
	// instances during indexing.
	Name string `yaml:"name"`

	// RedisOMURL is the endpoint of the persisted runner index.
	RedisOMURL string `yaml:"redis_om_url"`

	// APIKey is the shared secret protecting the management HTTP API.
	APIKey string `yaml:"api_key"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`
	// LogFile is the location of the log file. When set, output is
	// rotated. Empty means stderr only.
	LogFile string `yaml:"log_file"`

	APIBindAddress   string `yaml:"api_bind_address"`
	WebhookQueueSize uint   `yaml:"webhook_queue_size"`

	// CallbackURL is the base URL instances use to reach back into the
	// manager. Reserved for agent callbacks.
	CallbackURL string `yaml:"callback_url"`

	RunnerGroups []RunnerGroup `yaml:"runner_groups"`

	TimeoutRunner       Duration `yaml:"timeout_runner"`
	TimeToLive          Duration `yaml:"time_to_live"`
	HealthcheckInterval Duration `yaml:"healthcheck_interval"`
	IndexingInterval    Duration `yaml:"indexing_interval"`

	Github   Github   `yaml:",inline"`
	Database Database `yaml:"database"`
}

// Github holds the hosting service endpoint, webhook secret and
// credentials. All keys live at the top level of the config file.
type Github struct {
	BaseURL       string `yaml:"github_base_url"`
	WebhookSecret string `yaml:"github_webhook_secret"`

	Token string `yaml:"github_token"`

	AppID          int64  `yaml:"github_app_id"`
	InstallationID int64  `yaml:"github_installation_id"`
	PrivateKey     string `yaml:"github_private_key"`
	ClientID       string `yaml:"github_client_id"`
	ClientSecret   string `yaml:"github_client_secret"`
}

// AppInstall returns true when all three fields required for app
// installation auth are present. App installation is preferred over token
// auth whenever this returns true.
func (g Github) AppInstall() bool {
	return g.AppID != 0 && g.InstallationID != 0 && g.PrivateKey != ""
}

// PrivateKeyBytes returns the app private key PEM. The setting accepts
// either the PEM contents or a path to a file holding them.
func (g Github) PrivateKeyBytes() ([]byte, error) {
	if g.PrivateKey == "" {
		return nil, fmt.Errorf("no private key configured")
	}
	if strings.HasPrefix(g.PrivateKey, "-----BEGIN") {
		// Inline PEM rather than a path.
		return []byte(g.PrivateKey), nil
	}
	data, err := os.ReadFile(g.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "reading private key file")
	}
	return data, nil
}

func (g Github) Validate() error {
	if g.Token == "" && !g.AppInstall() {
		return runnerErrors.ErrMissingAuth
	}
	if g.WebhookSecret == "" {
		return fmt.Errorf("missing github_webhook_secret")
	}
	if g.AppInstall() {
		if _, err := g.PrivateKeyBytes(); err != nil {
			return errors.Wrap(err, "validating github_private_key")
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = DefaultManagerName
	}
	if c.LogLevel == "" {
		c.LogLevel = LevelInfo
	}
	if c.LogFormat == "" {
		c.LogFormat = FormatText
	}
	if c.APIBindAddress == "" {
		c.APIBindAddress = DefaultAPIBindAddress
	}
	if c.WebhookQueueSize == 0 {
		c.WebhookQueueSize = DefaultWebhookQueueSize
	}
	if c.Github.BaseURL == "" {
		c.Github.BaseURL = DefaultGithubBaseURL
	}
	if c.TimeoutRunner.Duration == 0 {
		c.TimeoutRunner.Duration = DefaultTimeoutRunner
	}
	if c.TimeToLive.Duration == 0 {
		c.TimeToLive.Duration = DefaultTimeToLive
	}
	if c.HealthcheckInterval.Duration == 0 {
		c.HealthcheckInterval.Duration = DefaultHealthcheckInterval
	}
	if c.IndexingInterval.Duration == 0 {
		c.IndexingInterval.Duration = DefaultIndexingInterval
	}
	if c.Database.DbBackend == "" {
		c.Database.DbBackend = SQLiteBackend
	}
	if c.Database.DbBackend == SQLiteBackend && c.Database.SQLite.DBFile == "" {
		c.Database.SQLite.DBFile = filepath.Join(os.TempDir(), "runner-manager.db")
	}
}

// Validate validates the config
func (c *Config) Validate() error {
	switch c.LogLevel {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
	default:
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}

	switch c.LogFormat {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("invalid log_format: %s", c.LogFormat)
	}

	if c.RedisOMURL == "" {
		return fmt.Errorf("missing redis_om_url")
	}

	if err := c.Github.Validate(); err != nil {
		return errors.Wrap(err, "validating github config")
	}

	if err := c.Database.Validate(); err != nil {
		return errors.Wrap(err, "validating database config")
	}

	seen := map[string]struct{}{}
	for _, group := range c.RunnerGroups {
		if err := group.Validate(); err != nil {
			return errors.Wrapf(err, "validating runner group %s", group.Name)
		}
		if _, ok := seen[group.Name]; ok {
			return fmt.Errorf("duplicate runner group name: %s", group.Name)
		}
		seen[group.Name] = struct{}{}
	}

	return nil
}

// RunnerGroup defines a named pool of runners sharing a backend, a label
// set and sizing limits.
type RunnerGroup struct {
	// Name is the identity of the group.
	Name string `yaml:"name"`
	// Organization is the hosting service organization the group's
	// runners register with.
	Organization string `yaml:"organization"`
	// Backend selects and configures the compute backend for this group.
	Backend Backend `yaml:"backend"`
	// Labels is the label set advertised by every runner in this group.
	// Must not be empty.
	Labels []string `yaml:"labels"`
	// Min is the number of runners the manager keeps around at all times.
	Min uint `yaml:"min"`
	// Max caps the group size.
	Max uint `yaml:"max"`
	// AllowList optionally restricts the repositories (owner/repo) whose
	// jobs may trigger scale up on this group.
	AllowList []string `yaml:"allow_list"`
	// RunnerPrefix overrides the prefix of generated runner names.
	RunnerPrefix string `yaml:"runner_prefix"`
	// Spot asks the backend for spot/preemptible capacity where supported.
	Spot bool `yaml:"spot"`
}

func (g *RunnerGroup) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("missing group name")
	}
	if g.Organization == "" {
		return fmt.Errorf("missing organization")
	}
	if len(g.Labels) == 0 {
		return fmt.Errorf("missing labels")
	}
	if g.Min > g.Max {
		return fmt.Errorf("min (%d) must not exceed max (%d)", g.Min, g.Max)
	}
	if err := g.Backend.Validate(); err != nil {
		return errors.Wrap(err, "validating backend")
	}
	return nil
}

// Database is the job journal config entry
type Database struct {
	Debug     bool          `yaml:"debug"`
	DbBackend DBBackendType `yaml:"backend"`
	MySQL     MySQL         `yaml:"mysql"`
	SQLite    SQLite        `yaml:"sqlite3"`
}

// GormParams returns the database type and connection URI
func (d *Database) GormParams() (dbType DBBackendType, uri string, err error) {
	if err := d.Validate(); err != nil {
		return "", "", errors.Wrap(err, "validating database config")
	}
	dbType = d.DbBackend
	switch dbType {
	case MySQLBackend:
		uri, err = d.MySQL.ConnectionString()
		if err != nil {
			return "", "", errors.Wrap(err, "validating mysql config")
		}
	case SQLiteBackend:
		uri, err = d.SQLite.ConnectionString()
		if err != nil {
			return "", "", errors.Wrap(err, "validating sqlite3 config")
		}
	default:
		return "", "", fmt.Errorf("invalid database backend: %s", dbType)
	}
	return
}

// Validate validates the database config entry
func (d *Database) Validate() error {
	if d.DbBackend == "" {
		return fmt.Errorf("invalid database configuration: backend is required")
	}
	switch d.DbBackend {
	case MySQLBackend:
		if err := d.MySQL.Validate(); err != nil {
			return errors.Wrap(err, "validating mysql config")
		}
	case SQLiteBackend:
		if err := d.SQLite.Validate(); err != nil {
			return errors.Wrap(err, "validating sqlite3 config")
		}
	default:
		return fmt.Errorf("invalid database backend: %s", d.DbBackend)
	}
	return nil
}

// SQLite is the config entry for the sqlite3 section
type SQLite struct {
	DBFile string `yaml:"db_file"`
}

func (s *SQLite) Validate() error {
	if s.DBFile == "" {
		return fmt.Errorf("no valid db_file was specified")
	}
	return nil
}

func (s *SQLite) ConnectionString() (string, error) {
	return s.DBFile, nil
}

// MySQL is the config entry for the mysql section
type MySQL struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Hostname     string `yaml:"hostname"`
	DatabaseName string `yaml:"database"`
}

// Validate validates a Database config entry
func (m *MySQL) Validate() error {
	if m.Username == "" || m.Password == "" || m.Hostname == "" || m.DatabaseName == "" {
		return fmt.Errorf(
			"database, username, password, hostname are mandatory parameters for the database section")
	}
	return nil
}

// ConnectionString returns a gorm compatible connection string
func (m *MySQL) ConnectionString() (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}

	connString := fmt.Sprintf(
		"%s:%s@tcp(%s)/%s?charset=utf8&parseTime=True&loc=Local&timeout=5s",
		m.Username, m.Password,
		m.Hostname, m.DatabaseName,
	)
	return connString, nil
}

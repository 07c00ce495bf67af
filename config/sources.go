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

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultSecretsDir is where the secret files source looks for per key
// secret files (one file per settings key, file contents are the value).
const DefaultSecretsDir = "/run/secrets"

// settingsKeys are the keys the environment and secret file sources
// recognize. Structured keys (runner_groups, database) can only come from
// the YAML file or explicit overrides.
var settingsKeys = []string{
	"name",
	"redis_om_url",
	"api_key",
	"log_level",
	"log_format",
	"log_file",
	"api_bind_address",
	"webhook_queue_size",
	"callback_url",
	"timeout_runner",
	"time_to_live",
	"healthcheck_interval",
	"indexing_interval",
	"github_base_url",
	"github_webhook_secret",
	"github_token",
	"github_app_id",
	"github_installation_id",
	"github_private_key",
	"github_client_id",
	"github_client_secret",
}

// Source is one provider of settings values. Sources are consulted in
// order and the first source that sets a key wins.
type Source interface {
	// Name identifies the source in error messages.
	Name() string
	// Settings returns the keys this source sets, with YAML-typed values.
	Settings() (map[string]interface{}, error)
}

// DefaultSources is the standard source chain: the config file, then the
// process environment, then the secret files directory.
func DefaultSources(cfgFile string) []Source {
	return []Source{
		FileSource(cfgFile),
		EnvSource(),
		SecretFilesSource(DefaultSecretsDir),
	}
}

// ConfigFilePath resolves the config file location: the given flag value
// if set, otherwise the CONFIG_FILE environment variable, otherwise the
// built in default path.
func ConfigFilePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if fromEnv := os.Getenv(EnvConfigFile); fromEnv != "" {
		return fromEnv
	}
	return DefaultConfigFilePath
}

type fileSource struct {
	path string
}

// FileSource returns a source backed by the YAML file at path.
func FileSource(path string) Source {
	return &fileSource{path: path}
}

func (f *fileSource) Name() string {
	return fmt.Sprintf("file %s", f.path)
}

func (f *fileSource) Settings() (map[string]interface{}, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	settings := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, errors.Wrap(err, "decoding config file")
	}
	return settings, nil
}

type envSource struct{}

// EnvSource returns a source backed by the process environment. Each
// settings key maps to its upper cased name (redis_om_url comes from
// REDIS_OM_URL).
func EnvSource() Source {
	return &envSource{}
}

func (e *envSource) Name() string {
	return "environment"
}

func (e *envSource) Settings() (map[string]interface{}, error) {
	settings := map[string]interface{}{}
	for _, key := range settingsKeys {
		val, ok := os.LookupEnv(strings.ToUpper(key))
		if !ok {
			continue
		}
		settings[key] = coerceScalar(val)
	}
	return settings, nil
}

type secretFilesSource struct {
	dir string
}

// SecretFilesSource returns a source backed by a directory of secret
// files, one file per settings key. A missing directory is not an error;
// the source simply sets nothing.
func SecretFilesSource(dir string) Source {
	return &secretFilesSource{dir: dir}
}

func (s *secretFilesSource) Name() string {
	return fmt.Sprintf("secrets dir %s", s.dir)
}

func (s *secretFilesSource) Settings() (map[string]interface{}, error) {
	if _, err := os.Stat(s.dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "accessing secrets dir")
	}
	settings := map[string]interface{}{}
	for _, key := range settingsKeys {
		data, err := os.ReadFile(filepath.Join(s.dir, key))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "reading secret file %s", key)
		}
		settings[key] = coerceScalar(strings.TrimSpace(string(data)))
	}
	return settings, nil
}

type mapSource struct {
	name     string
	settings map[string]interface{}
}

// MapSource returns a source over an in memory settings map. Used for
// command line overrides and in tests.
func MapSource(name string, settings map[string]interface{}) Source {
	return &mapSource{name: name, settings: settings}
}

func (m *mapSource) Name() string {
	return m.name
}

func (m *mapSource) Settings() (map[string]interface{}, error) {
	return m.settings, nil
}

// coerceScalar decodes a raw string as a YAML scalar so numeric and
// boolean values from the environment keep their type.
func coerceScalar(raw string) interface{} {
	var val interface{}
	if err := yaml.Unmarshal([]byte(raw), &val); err != nil {
		return raw
	}
	// Flow collections from env are not supported; keep them verbatim.
	switch val.(type) {
	case map[string]interface{}, []interface{}:
		return raw
	}
	return val
}

// Copyright 2024 urbackup-backend-sub004 authors
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package conf loads the image engine's on-disk JSON configuration, in the
// same fallback-then-main two-file layering the teacher uses for its own
// agent configuration.
package conf

import (
	"encoding/json"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// EngineConfigFromFile is the subset of EngineConfig that is loadable from
// JSON. Fields absent from both config files keep their NewEngineConfig
// default.
type EngineConfigFromFile struct {
	// DefaultBlockSize is the block size (bytes) used for newly created
	// containers when a caller does not specify one explicitly.
	DefaultBlockSize int64
	// DefaultSectorSize is the sector size (bytes) assumed for VHD BAT/
	// bitmap geometry when the backing device does not report one.
	DefaultSectorSize int

	// CompressionEnabled toggles whether new containers are wrapped in
	// blockdev.Compressed on creation.
	CompressionEnabled bool

	// StreamChecksumRetries bounds per-MiB re-fetch attempts in the
	// ingress stream before the orchestrator gives up (spec C7, §5).
	StreamChecksumRetries int

	// ResumeStorePath is the LMDB environment directory used to persist
	// ingress checkpoints across reconnects.
	ResumeStorePath string

	// MountListenAddress is the host:port the mount adapter's HTTP
	// Info/Read endpoint binds to.
	MountListenAddress string

	// LogLevel is one of logrus's level names ("debug", "info", "warn",
	// "error"); empty leaves the default level untouched.
	LogLevel string
}

// EngineConfig is the fully resolved, in-memory configuration.
type EngineConfig struct {
	EngineConfigFromFile
}

const (
	DefaultBlockSize             = 4 * 1024 * 1024
	DefaultSectorSize            = 512
	DefaultStreamChecksumRetries = 10
)

// NewEngineConfig returns a configuration populated with the engine's
// built-in defaults, as if no configuration file were present.
func NewEngineConfig() *EngineConfig {
	return &EngineConfig{
		EngineConfigFromFile: EngineConfigFromFile{
			DefaultBlockSize:      DefaultBlockSize,
			DefaultSectorSize:     DefaultSectorSize,
			StreamChecksumRetries: DefaultStreamChecksumRetries,
			ResumeStorePath:       DefaultResumeStorePath,
			MountListenAddress:    "127.0.0.1:8091",
		},
	}
}

// LoadConfig parses the engine's JSON configuration files. It is OK if
// either file does not exist, so long as the other one does (or neither
// does, in which case defaults apply). The main file is loaded last, so its
// values override the fallback's for keys present in both.
func LoadConfig(mainConfigFile string, fallbackConfigFile string) (*EngineConfig, error) {
	log.Debug("conf: loading configuration")

	var filesLoadedCount int
	config := NewEngineConfig()

	if loadErr := loadConfigFile(fallbackConfigFile, config, &filesLoadedCount); loadErr != nil {
		return nil, loadErr
	}
	if loadErr := loadConfigFile(mainConfigFile, config, &filesLoadedCount); loadErr != nil {
		return nil, loadErr
	}

	if filesLoadedCount == 0 {
		log.Info("conf: no configuration files present, using defaults")
		return config, nil
	}

	log.Debugf("conf: merged configuration = %#v", config)
	return config, nil
}

func loadConfigFile(configFile string, config *EngineConfig, filesLoadedCount *int) error {
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Debugf("conf: configuration file does not exist: %s", configFile)
		return nil
	}

	if err := readConfigFile(&config.EngineConfigFromFile, configFile); err != nil {
		log.Errorf("conf: error loading configuration from %s: %s", configFile, err.Error())
		return err
	}

	(*filesLoadedCount)++
	log.Infof("conf: loaded configuration file: %s", configFile)
	return nil
}

func readConfigFile(config interface{}, fileName string) error {
	log.Debugf("conf: reading configuration from %s", fileName)
	raw, err := ioutil.ReadFile(fileName)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(raw, &config); err != nil {
		return errors.Wrap(err, "parsing configuration file")
	}
	return nil
}

// SaveConfigFile writes config back out as indented JSON, for tooling that
// edits the configuration programmatically.
func SaveConfigFile(config *EngineConfigFromFile, filename string) error {
	configJSON, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return errors.Wrap(err, "encoding configuration to JSON")
	}
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "opening configuration file")
	}
	defer f.Close()

	if _, err = f.Write(configJSON); err != nil {
		return errors.Wrap(err, "writing configuration file")
	}
	return nil
}

// Validate rejects configurations the engine cannot act on.
func (c *EngineConfig) Validate() error {
	if c.DefaultBlockSize <= 0 {
		return errors.New("DefaultBlockSize must be positive")
	}
	if c.DefaultBlockSize%int64(c.effectiveSectorSize()) != 0 {
		return errors.New("DefaultBlockSize must be a multiple of DefaultSectorSize")
	}
	if c.StreamChecksumRetries < 0 {
		return errors.New("StreamChecksumRetries must not be negative")
	}
	return nil
}

func (c *EngineConfig) effectiveSectorSize() int {
	if c.DefaultSectorSize <= 0 {
		return DefaultSectorSize
	}
	return c.DefaultSectorSize
}

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

package conf

import (
	"io"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = `{
  "DefaultBlockSize": 2097152,
  "DefaultSectorSize": 512,
  "CompressionEnabled": true,
  "StreamChecksumRetries": 3,
  "MountListenAddress": "127.0.0.1:9191"
}`

var testBrokenConfig = `{
  "DefaultBlockSize": 2097152,
  "StreamChecksumRetries": 3
  "MountListenAddress": "127.0.0.1:9191"
}`

func Test_readConfigFile_noFile_returnsError(t *testing.T) {
	err := readConfigFile(nil, "non-existing-file")
	assert.Error(t, err)
}

func Test_readConfigFile_brokenContent_returnsError(t *testing.T) {
	configFile, _ := os.Create("imgengine.config")
	defer os.Remove("imgengine.config")

	configFile.WriteString(testBrokenConfig)

	confFromFile, err := LoadConfig("imgengine.config", "does-not-exist.config")
	assert.Error(t, err)
	assert.Nil(t, confFromFile)
}

func validateConfiguration(t *testing.T, actual *EngineConfig) {
	expected := NewEngineConfig()
	expected.DefaultBlockSize = 2097152
	expected.DefaultSectorSize = 512
	expected.CompressionEnabled = true
	expected.StreamChecksumRetries = 3
	expected.MountListenAddress = "127.0.0.1:9191"

	assert.Equal(t, expected, actual)
}

func Test_LoadConfig_correctConfFile_returnsConfiguration(t *testing.T) {
	configFile, _ := os.Create("imgengine.config")
	defer os.Remove("imgengine.config")

	configFile.WriteString(testConfig)

	config, err := LoadConfig("imgengine.config", "does-not-exist.config")
	require.NoError(t, err)
	require.NotNil(t, config)
	assert.NoError(t, config.Validate())
	validateConfiguration(t, config)

	config2, err2 := LoadConfig("does-not-exist.config", "imgengine.config")
	require.NoError(t, err2)
	require.NotNil(t, config2)
	assert.NoError(t, config2.Validate())
	validateConfiguration(t, config2)
}

func TestConfigurationMergeSettings(t *testing.T) {
	mainConfigJSON := `{
		"DefaultBlockSize": 1048576,
		"StreamChecksumRetries": 7
	}`
	fallbackConfigJSON := `{
		"DefaultBlockSize": 524288,
		"MountListenAddress": "0.0.0.0:8091"
	}`

	mainConfigFile, _ := os.Create("main.config")
	defer os.Remove("main.config")
	mainConfigFile.WriteString(mainConfigJSON)

	fallbackConfigFile, _ := os.Create("fallback.config")
	defer os.Remove("fallback.config")
	fallbackConfigFile.WriteString(fallbackConfigJSON)

	config, err := LoadConfig("main.config", "fallback.config")
	require.NoError(t, err)
	require.NotNil(t, config)

	// When a setting appears in neither file, it is left with its default.
	assert.False(t, config.CompressionEnabled)

	// When a setting appears in both files, the main file takes precedence.
	assert.EqualValues(t, 1048576, config.DefaultBlockSize)

	// When a setting appears in only one file, its value is used.
	assert.Equal(t, "0.0.0.0:8091", config.MountListenAddress)
	assert.Equal(t, 7, config.StreamChecksumRetries)
}

func TestConfigurationNeitherFileExistsIsNotError(t *testing.T) {
	config, err := LoadConfig("does-not-exist", "also-does-not-exist")
	assert.NoError(t, err)
	assert.IsType(t, &EngineConfig{}, config)
	assert.NoError(t, config.Validate())
}

func TestValidateRejectsNonPositiveBlockSize(t *testing.T) {
	config := NewEngineConfig()
	config.DefaultBlockSize = 0
	assert.Error(t, config.Validate())
}

func TestValidateRejectsMisalignedBlockSize(t *testing.T) {
	config := NewEngineConfig()
	config.DefaultSectorSize = 512
	config.DefaultBlockSize = 1000
	assert.Error(t, config.Validate())
}

func TestValidateRejectsNegativeRetries(t *testing.T) {
	config := NewEngineConfig()
	config.StreamChecksumRetries = -1
	assert.Error(t, config.Validate())
}

func TestSaveConfigFileRoundTrips(t *testing.T) {
	tdir := t.TempDir()
	confPath := path.Join(tdir, "imgengine.conf")

	config := NewEngineConfig()
	config.DefaultBlockSize = 8 * 1024 * 1024
	require.NoError(t, SaveConfigFile(&config.EngineConfigFromFile, confPath))

	loaded, err := LoadConfig(confPath, "does-not-exist.config")
	require.NoError(t, err)
	assert.EqualValues(t, 8*1024*1024, loaded.DefaultBlockSize)
}

func TestLoadConfigFileIsIdempotentAcrossReads(t *testing.T) {
	tdir := t.TempDir()
	confPath := path.Join(tdir, "imgengine.conf")
	f, err := os.Create(confPath)
	require.NoError(t, err)
	f.WriteString(testConfig)
	f.Seek(0, io.SeekStart)

	config, err := LoadConfig(confPath, "does-not-exist.config")
	require.NoError(t, err)
	assert.True(t, config.CompressionEnabled)

	config2, err := LoadConfig(confPath, "does-not-exist.config")
	require.NoError(t, err)
	assert.Equal(t, config, config2)
}

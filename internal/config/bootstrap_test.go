// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/halcy/mastodon-mod-tools/internal/config"
)

// The shipped template must stay parseable and keep one section per
// config struct, or a fresh install bootstraps a broken file.
func TestDefaultConfigTemplate(t *testing.T) {
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(config.DefaultConfigYAML, &doc))

	for _, section := range []string{"server", "mastodon", "embedding", "scanner", "ledger", "graylist"} {
		assert.Contains(t, doc, section)
	}

	server, ok := doc["server"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:8291", server["listen"])
}

// Template values must agree with the viper defaults, so a config
// file with a value deleted behaves the same as one with the shipped
// value kept.
func TestDefaultConfigTemplateMatchesDefaults(t *testing.T) {
	var doc struct {
		Scanner struct {
			PanicStop    int      `yaml:"panic_stop"`
			IDHistLength int      `yaml:"id_hist_length"`
			Extensions   []string `yaml:"image_extensions"`
		} `yaml:"scanner"`
		Ledger struct {
			AutocloseBadStatusNb int `yaml:"autoclose_bad_status_nb"`
		} `yaml:"ledger"`
	}
	require.NoError(t, yaml.Unmarshal(config.DefaultConfigYAML, &doc))

	path := filepath.Join(t.TempDir(), "mastomod.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, cfg.Scanner.PanicStop, doc.Scanner.PanicStop)
	assert.Equal(t, cfg.Scanner.IDHistLength, doc.Scanner.IDHistLength)
	assert.Equal(t, cfg.Scanner.ImageExtensions, doc.Scanner.Extensions)
	assert.Equal(t, cfg.Ledger.AutocloseBadStatusNb, doc.Ledger.AutocloseBadStatusNb)
}

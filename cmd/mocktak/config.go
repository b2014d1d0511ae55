// Copyright (C) 2026 TAK.NZ
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package main

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"go.yaml.in/yaml/v3"

	"github.com/TAK-NZ/CloudTAK-sub001/internal/mocktak"
)

// serverConfig holds all configuration for the mocktak server.
// Fields are populated from (lowest → highest priority):
//
//	built-in defaults → config file → env vars → CLI flags
type serverConfig struct {
	CADir         string `yaml:"cadir" env:"MOCKTAK_CADIR"`
	StreamingAddr string `yaml:"streaming_addr" env:"MOCKTAK_STREAMING_ADDR"`
	APIAddr       string `yaml:"api_addr" env:"MOCKTAK_API_ADDR"`
	AuthAddr      string `yaml:"auth_addr" env:"MOCKTAK_AUTH_ADDR"`

	// NoDefaults starts with empty handler chains; every request then fails
	// loudly until a driver installs its own handlers.
	NoDefaults bool `yaml:"no_defaults" env:"MOCKTAK_NO_DEFAULTS"`

	// TokenSecret overrides the built-in HS256 signing secret.
	TokenSecret string `yaml:"token_secret" env:"MOCKTAK_TOKEN_SECRET"`

	// PasswordHash is a bcrypt digest the token endpoint checks passwords
	// against. Empty means tokens are issued to anyone.
	PasswordHash string `yaml:"password_hash" env:"MOCKTAK_PASSWORD_HASH"`

	Verbosity int    `yaml:"verbosity" env:"MOCKTAK_VERBOSITY"`
	LogFile   string `yaml:"logfile" env:"MOCKTAK_LOGFILE"`
}

// loadServerConfig applies built-in defaults, optionally loads a YAML config
// file, then overlays MOCKTAK_* environment variables. configFile may be ""
// to skip file loading.
func loadServerConfig(configFile string) (*serverConfig, error) {
	cfg := &serverConfig{
		StreamingAddr: mocktak.DefaultStreamingAddr,
		APIAddr:       mocktak.DefaultAPIAddr,
		AuthAddr:      mocktak.DefaultAuthAddr,
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

// resolveConfigFile returns the config file path to use:
// cliFlag → envVar → defaultPath (if it exists) → "".
func resolveConfigFile(cliFlag, envVar, defaultPath string) string {
	if cliFlag != "" {
		return cliFlag
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath
	}
	return ""
}

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
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TAK-NZ/CloudTAK-sub001/internal/api"
	"github.com/TAK-NZ/CloudTAK-sub001/internal/mocktak"
)

func main() {
	var (
		caDir         string
		streamingAddr string
		apiAddr       string
		authAddr      string
		noDefaults    bool
		tokenSecret   string
		passwordHash  string
		verbosity     int
		logFile       string
		configFile    string
	)

	cmd := &cobra.Command{
		Use:          "mocktak",
		Short:        "Standalone mock TAK server for integration testing",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// --- Config loading (file → env → CLI flags) ---
			resolved := resolveConfigFile(configFile, "MOCKTAK_CONFIG", "/etc/mocktak/config.yaml")
			cfg, err := loadServerConfig(resolved)
			if err != nil {
				return err
			}

			// Apply explicitly-set CLI flags (highest precedence).
			if cmd.Flags().Changed("cadir") {
				cfg.CADir = caDir
			}
			if cmd.Flags().Changed("streaming-addr") {
				cfg.StreamingAddr = streamingAddr
			}
			if cmd.Flags().Changed("api-addr") {
				cfg.APIAddr = apiAddr
			}
			if cmd.Flags().Changed("auth-addr") {
				cfg.AuthAddr = authAddr
			}
			if cmd.Flags().Changed("no-defaults") {
				cfg.NoDefaults = noDefaults
			}
			if cmd.Flags().Changed("token-secret") {
				cfg.TokenSecret = tokenSecret
			}
			if cmd.Flags().Changed("password-hash") {
				cfg.PasswordHash = passwordHash
			}
			if cmd.Flags().Changed("verbosity") {
				cfg.Verbosity = verbosity
			}
			if cmd.Flags().Changed("logfile") {
				cfg.LogFile = logFile
			}

			// --- Validation ---
			if cfg.CADir == "" {
				return fmt.Errorf("--cadir is required (or set MOCKTAK_CADIR / cadir in config file)")
			}

			absCADir, err := filepath.Abs(cfg.CADir)
			if err != nil {
				return fmt.Errorf("resolving --cadir: %w", err)
			}

			// --- Logging setup ---
			var logLevel slog.Level
			switch cfg.Verbosity {
			case 0:
				logLevel = slog.LevelInfo
			case 1:
				logLevel = slog.LevelDebug
			default:
				logLevel = slog.Level(-8) // Trace
			}

			opts := &slog.HandlerOptions{Level: logLevel}
			var logHandler slog.Handler

			if cfg.LogFile != "" {
				f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
				if err != nil {
					return fmt.Errorf("failed to open log file %s: %w", cfg.LogFile, err)
				}
				logHandler = slog.NewJSONHandler(f, opts)
			} else {
				logHandler = slog.NewTextHandler(os.Stderr, opts)
			}

			slog.SetDefault(slog.New(logHandler))

			slog.Info("Starting mock TAK server",
				"cadir", absCADir,
				"streaming", cfg.StreamingAddr,
				"api", cfg.APIAddr,
				"auth", cfg.AuthAddr,
				"defaults", !cfg.NoDefaults,
			)

			// --- Server ---
			srvCfg := mocktak.Config{
				CADir:              absCADir,
				StreamingAddr:      cfg.StreamingAddr,
				APIAddr:            cfg.APIAddr,
				AuthAddr:           cfg.AuthAddr,
				EnableAPIDefaults:  !cfg.NoDefaults,
				EnableAuthDefaults: !cfg.NoDefaults,
			}
			if cfg.TokenSecret != "" {
				srvCfg.TokenSigner = api.HS256Signer{Secret: []byte(cfg.TokenSecret)}
			}
			if cfg.PasswordHash != "" {
				srvCfg.PasswordHash = []byte(cfg.PasswordHash)
			}

			srv, err := mocktak.New(srvCfg)
			if err != nil {
				return fmt.Errorf("starting server: %w", err)
			}

			// Listener-level signals are advisory for an interactive run;
			// surface them in the log and keep serving.
			go func() {
				for err := range srv.Errors() {
					slog.Warn("Server signal", "error", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			slog.Info("Shutting down", "signal", sig.String())

			return srv.Close()
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "Path to YAML config file (default: /etc/mocktak/config.yaml if it exists)")
	f.StringVar(&caDir, "cadir", "", "Directory for CA storage (or set MOCKTAK_CADIR)")
	f.StringVar(&streamingAddr, "streaming-addr", mocktak.DefaultStreamingAddr, "Address of the mutual-TLS streaming listener")
	f.StringVar(&apiAddr, "api-addr", mocktak.DefaultAPIAddr, "Address of the mutual-TLS HTTPS API listener")
	f.StringVar(&authAddr, "auth-addr", mocktak.DefaultAuthAddr, "Address of the plain HTTP OAuth/enrollment listener")
	f.BoolVar(&noDefaults, "no-defaults", false, "Start with empty handler chains instead of the canned behaviors")
	f.StringVar(&tokenSecret, "token-secret", "", "HS256 signing secret for issued access tokens")
	f.StringVar(&passwordHash, "password-hash", "", "bcrypt digest the token endpoint verifies passwords against")
	f.IntVarP(&verbosity, "verbosity", "v", 0, "Verbosity: 0=Info 1=Debug 2=Trace")
	f.StringVar(&logFile, "logfile", "", "Log to file instead of stderr")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

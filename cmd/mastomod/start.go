// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mastomod Contributors

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/halcy/mastodon-mod-tools/internal/config"
	"github.com/halcy/mastodon-mod-tools/internal/embed"
	"github.com/halcy/mastodon-mod-tools/internal/engine"
	"github.com/halcy/mastodon-mod-tools/internal/graylist"
	"github.com/halcy/mastodon-mod-tools/internal/instance"
	"github.com/halcy/mastodon-mod-tools/internal/ledger"
	"github.com/halcy/mastodon-mod-tools/internal/mastoapi"
	"github.com/halcy/mastodon-mod-tools/internal/scanner"
	"github.com/halcy/mastodon-mod-tools/internal/server"
	"github.com/halcy/mastodon-mod-tools/internal/trigger"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the mastomod service",
		Long:  "Load configuration, initialize all components, and start the HTTP server. Background workers start in the stopped state and are launched through the admin API.",
		RunE:  runStart,
	}

	cmd.Flags().Bool("autostart", false, "start the scanner and ledger workers immediately")

	return cmd
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath == "" {
		if defaultPath, err := config.DefaultConfigPath(); err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				cfgPath = defaultPath
			} else if written := config.BootstrapConfig(); written != "" {
				cfgPath = written
			}
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	config.WarnInsecurePermissions(cfgPath)

	client := mastoapi.NewRESTClient(cfg.Mastodon.BaseURL, cfg.Mastodon.AccessToken)

	provider, err := buildProvider(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("initializing embedding provider: %w", err)
	}

	store, err := trigger.NewStore(trigger.StoreConfig{
		SnapshotPath:    cfg.Scanner.EmbedDBFile,
		RawDir:          cfg.Scanner.RawDBDir,
		ImageExtensions: cfg.Scanner.ImageExtensions,
		Provider:        provider,
	})
	if err != nil {
		return fmt.Errorf("initializing trigger store: %w", err)
	}

	eng := engine.New(store, provider)
	instances := instance.NewCache(instance.DefaultTTL)

	scan := scanner.New(scanner.Config{
		WaitTime:          cfg.Scanner.WaitTime,
		PanicStop:         cfg.Scanner.PanicStop,
		PreemptiveSilence: cfg.Scanner.PreemptiveSilence,
		MaxFetchPages:     cfg.Scanner.MaxFetchPages,
		IDHistLength:      cfg.Scanner.IDHistLength,
	}, store, eng, client, instances)

	led, err := ledger.New(ledger.Config{
		SnapshotPath:      cfg.Ledger.ReportDBFile,
		ReconcileInterval: cfg.Ledger.ReconcileInterval,
		BadStatusNb:       cfg.Ledger.AutocloseBadStatusNb,
		BadStatusThresh:   cfg.Ledger.AutocloseBadStatusThresh,
	}, client, eng)
	if err != nil {
		return fmt.Errorf("initializing report ledger: %w", err)
	}

	deps := server.Deps{
		Engine:    eng,
		Filer:     scan,
		Ledger:    led,
		Instances: instances,
		Components: map[string]server.Component{
			"scanner": scan,
			"ledger":  led,
		},
	}
	if cfg.Graylist.Enabled {
		deps.Graylist = graylist.New(graylist.Config{
			PullInterval:      cfg.Graylist.PullInterval,
			OkStatusNb:        cfg.Graylist.OkStatusNb,
			OkStatusThreshold: cfg.Graylist.OkStatusThreshold,
		}, client, eng, led)
	}

	srv, err := server.New(server.Config{
		ListenAddr:    cfg.Server.Listen,
		WebhookSecret: cfg.Server.WebhookSecret,
		CORSOrigins:   cfg.Server.CORSOrigins,
	}, deps)
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	if autostart, _ := cmd.Flags().GetBool("autostart"); autostart {
		scan.Start()
		led.Start()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("mastomod listening", "addr", cfg.Server.Listen)
	err = srv.Start(ctx)

	scan.Stop()
	led.Stop()

	return err
}

// buildProvider assembles the configured embedding provider, wrapped
// in the sqlite memoization cache when one is configured.
func buildProvider(cfg config.EmbeddingConfig) (embed.Provider, error) {
	var (
		provider embed.Provider
		err      error
	)
	switch cfg.Provider {
	case "clip":
		provider = embed.NewCLIPService(cfg.ServiceURL, cfg.Dimensions)
	default:
		provider, err = embed.NewOpenAIEmbedder(embed.OpenAIConfig{
			APIKey:     cfg.APIKey,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.CacheFile != "" {
		cached, err := embed.NewCachedProvider(provider, cfg.CacheFile)
		if err != nil {
			slog.Error("embedding cache unavailable, continuing without", "error", err)
			return provider, nil
		}
		return cached, nil
	}
	return provider, nil
}

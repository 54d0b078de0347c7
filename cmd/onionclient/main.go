// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// onionclient builds onion circuits through statically configured or
// cached relays.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/katzenpost/onion/common"
	"github.com/katzenpost/onion/config"
	"github.com/katzenpost/onion/core/log"
	"github.com/katzenpost/onion/core/pki"
	"github.com/katzenpost/onion/core/pki/boltcache"
)

type rootFlags struct {
	ConfigFile string
}

func newRootCommand() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "onionclient",
		Short: "Onion circuit client",
		Long: `A client that builds multi-hop onion circuits over a TLS or QUIC link
to an entry relay, negotiating keys with each hop in turn.`,
		Example: `  # Build a circuit along the configured path
  onionclient build -c client.toml

  # Build a circuit and send a payload to the last hop
  onionclient build -c client.toml --data hello

  # Copy the configured relays into the descriptor cache
  onionclient import -c client.toml

  # Show the cached relays
  onionclient list -c client.toml`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.ConfigFile, "config", "c", "", "configuration file")
	_ = cmd.MarkPersistentFlagRequired("config")

	cmd.AddCommand(
		newBuildCommand(&flags),
		newImportCommand(&flags),
		newListCommand(&flags),
	)
	return cmd
}

func newImportCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Store the configured relays in the descriptor cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.ConfigFile)
			if err != nil {
				return err
			}
			cache, err := openCache(cfg)
			if err != nil {
				return err
			}
			defer cache.Close()

			for _, d := range cfg.Descriptors() {
				if err := cache.Put(d); err != nil {
					return fmt.Errorf("failed to cache %v: %w", d.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %v\n", d)
			}
			return nil
		},
	}
}

func newListCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the relays in the descriptor cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.ConfigFile)
			if err != nil {
				return err
			}
			cache, err := openCache(cfg)
			if err != nil {
				return err
			}
			defer cache.Close()

			descs, err := cache.All()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESS\tFINGERPRINT\tFAMILY")
			for _, d := range descs {
				fmt.Fprintf(w, "%v\t%v\t%v\t%v\n", d.Name, d.AddrPort(), d.FingerprintString(), d.Family)
			}
			return w.Flush()
		},
	}
}

func loadConfig(f string) (*config.Config, error) {
	if f == "" {
		return nil, errors.New("config file must be specified")
	}
	cfg, err := config.LoadFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", f, err)
	}
	return cfg, nil
}

func openCache(cfg *config.Config) (*boltcache.Cache, error) {
	if cfg.Cache == nil {
		return nil, errors.New("no Cache section configured")
	}
	return boltcache.New(cfg.Cache.File)
}

// resolvePath resolves the configured path, falling back to the descriptor
// cache when one is configured.
func resolvePath(cfg *config.Config) ([]*pki.RelayDescriptor, error) {
	if cfg.Cache == nil {
		return cfg.ResolvePath(nil)
	}
	cache, err := openCache(cfg)
	if err != nil {
		return nil, err
	}
	defer cache.Close()
	return cfg.ResolvePath(cache.GetByName)
}

func newLogBackend(cfg *config.Config) (*log.Backend, error) {
	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}

	// Reopen the log file on SIGHUP so that it can be rotated.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			if err := backend.Rotate(); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to rotate log: %v\n", err)
			}
		}
	}()
	return backend, nil
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

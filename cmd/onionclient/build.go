// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onion/channel"
	"github.com/katzenpost/onion/circuit"
	"github.com/katzenpost/onion/client"
	"github.com/katzenpost/onion/config"
	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/pki"
	"github.com/katzenpost/onion/core/retry"
	"github.com/katzenpost/onion/internal/instrument"
)

type buildFlags struct {
	Data     string
	StreamID uint16
}

type relayReply struct {
	hop int
	r   *cell.RelayCell
}

func newBuildCommand(root *rootFlags) *cobra.Command {
	var flags buildFlags

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a circuit along the configured path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.ConfigFile)
			if err != nil {
				return err
			}
			ctx, cancelFn := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancelFn()
			return runBuild(ctx, cmd, cfg, &flags)
		},
	}
	cmd.Flags().StringVar(&flags.Data, "data", "", "payload to send to the last hop once the circuit is built")
	cmd.Flags().Uint16Var(&flags.StreamID, "stream", 1, "stream id used for --data")
	return cmd
}

func runBuild(ctx context.Context, cmd *cobra.Command, cfg *config.Config, flags *buildFlags) error {
	backend, err := newLogBackend(cfg)
	if err != nil {
		return err
	}
	log := backend.GetLogger("onionclient")

	if cfg.Metrics.Address != "" {
		srv, err := instrument.Serve(cfg.Metrics.Address, log)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	path, err := resolvePath(cfg)
	if err != nil {
		return err
	}
	identity, err := loadIdentity(cfg.Identity.PrivateKeyFile, log)
	if err != nil {
		return err
	}
	provider, err := newProvider(cfg, identity, backend.GetLogger("channel"))
	if err != nil {
		return err
	}

	replyCh := make(chan relayReply, 1)
	ccfg := &client.Config{
		LogBackend:       backend,
		Provider:         provider,
		HandshakeTimeout: cfg.Debug.HandshakeTimeoutDuration(),
		OnConnFn: func(err error) {
			if err != nil {
				log.Noticef("Link to entry relay down: %v", err)
			}
		},
		OnRelayFn: func(circ *circuit.Circuit, hop int, r *cell.RelayCell) {
			select {
			case replyCh <- relayReply{hop, r}:
			default:
				log.Debugf("Circuit %d: discarding %v from hop %d", circ.ID(), r.Command, hop)
			}
		},
		OnCircuitClosedFn: func(circ *circuit.Circuit, byPeer bool) {
			if byPeer {
				log.Noticef("Circuit %d torn down by the network", circ.ID())
			}
		},
	}
	if identity != nil {
		ccfg.IdentityKey = &identity.PublicKey
	}
	conn, err := client.New(ccfg)
	if err != nil {
		return err
	}
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Debug.ConnectAttempts
	err = retry.Do(ctx, policy, func() error {
		err := conn.Connect(ctx, path[0])
		if err != nil && retry.IsTransientError(err) {
			log.Warningf("Retrying connection to %v: %v", path[0], err)
		}
		return err
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	start := time.Now()
	circ, err := conn.CreateCircuit(ctx, path)
	if err != nil {
		return err
	}
	defer conn.DestroyCircuit(circ)

	names := make([]string, 0, len(path))
	for _, d := range circ.Path() {
		names = append(names, d.Name)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Built circuit %d in %v: %v\n", circ.ID(), time.Since(start).Round(time.Millisecond), strings.Join(names, " -> "))

	if flags.Data == "" {
		return nil
	}
	if err = conn.SendRelay(ctx, circ, cell.RelayData, flags.StreamID, []byte(flags.Data)); err != nil {
		return err
	}
	timer := time.NewTimer(cfg.Debug.HandshakeTimeoutDuration())
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		fmt.Fprintf(out, "Hop %d replied with %v on stream %d: %q\n", reply.hop, reply.r.Command, reply.r.StreamID, reply.r.Data)
	case <-timer.C:
		fmt.Fprintln(out, "No reply received.")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// loadIdentity loads the identity key from f, creating it if it does not
// exist.  An empty f selects an ephemeral identity.
func loadIdentity(f string, log *logging.Logger) (*rsa.PrivateKey, error) {
	if f == "" {
		return nil, nil
	}
	sk, err := pki.PrivateKeyFromPEMFile(f)
	switch {
	case err == nil:
		return sk, nil
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	log.Noticef("Generating identity key: %v", f)
	if sk, err = rsa.GenerateKey(rand.Reader, 1024); err != nil {
		return nil, err
	}
	if err = pki.PrivateKeyToPEMFile(f, sk); err != nil {
		return nil, err
	}
	return sk, nil
}

func newProvider(cfg *config.Config, identity *rsa.PrivateKey, log *logging.Logger) (channel.Provider, error) {
	var certificate *tls.Certificate
	if identity != nil {
		c, err := channel.SelfSignedCertificate(identity)
		if err != nil {
			return nil, err
		}
		certificate = &c
	}

	switch cfg.Channel.Transport {
	case config.TransportQUIC:
		return &channel.QUICProvider{
			DialTimeout: cfg.Debug.DialTimeoutDuration(),
			Certificate: certificate,
			Log:         log,
		}, nil
	default:
		return &channel.TLSProvider{
			DialTimeout:   cfg.Debug.DialTimeoutDuration(),
			DialContextFn: cfg.UpstreamProxyConfig().ToDialContext("onionclient"),
			Certificate:   certificate,
			Log:           log,
		}, nil
	}
}

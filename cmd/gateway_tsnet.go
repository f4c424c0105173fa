//go:build tsnet

package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// initTailscale joins the tailnet and serves mux on it alongside the main
// listener. Returns nil when no hostname is configured.
func initTailscale(ctx context.Context, cfg *config.Config, mux http.Handler) func() {
	ts := cfg.Tailscale
	if ts.Hostname == "" {
		return nil
	}

	dir := ts.StateDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = os.TempDir()
		}
		dir = filepath.Join(base, "tsnet-clawgate")
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       dir,
		AuthKey:   ts.AuthKey,
		Ephemeral: ts.Ephemeral,
	}

	var ln net.Listener
	var err error
	if ts.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listener failed", "hostname", ts.Hostname, "error", err)
		srv.Close()
		return nil
	}

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("tailscale listener stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	slog.Info("tailscale listener started", "hostname", ts.Hostname, "tls", ts.EnableTLS, "state_dir", dir)
	return func() {
		httpSrv.Close()
		srv.Close()
	}
}

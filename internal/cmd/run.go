// Package cmd provides the command entry points of the proxy binary.
package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/router-for-me/gemini-oauth-proxy/internal/config"
	"github.com/router-for-me/gemini-oauth-proxy/sdk/cliproxy"
	log "github.com/sirupsen/logrus"
)

// StartService builds the proxy service and runs it until SIGINT or SIGTERM.
func StartService(cfg *config.Config, configPath string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runService(ctx, cfg, configPath); err != nil {
		log.Errorf("proxy service exited with error: %v", err)
	}
}

// StartServiceBackground runs the service on a goroutine. The returned cancel stops it
// and done is closed once shutdown has finished.
func StartServiceBackground(cfg *config.Config, configPath string) (cancel func(), done <-chan struct{}) {
	ctx, cancelFn := context.WithCancel(context.Background())
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		if err := runService(ctx, cfg, configPath); err != nil {
			log.Errorf("proxy service exited with error: %v", err)
		}
	}()
	return cancelFn, doneCh
}

func runService(ctx context.Context, cfg *config.Config, configPath string) error {
	service, err := cliproxy.NewBuilder().
		WithConfig(cfg).
		WithConfigPath(configPath).
		Build()
	if err != nil {
		return err
	}
	if errRun := service.Run(ctx); errRun != nil && !errors.Is(errRun, context.Canceled) {
		return errRun
	}
	return nil
}

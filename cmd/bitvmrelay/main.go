package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BitVM/BitVM-sub000/config"
	"github.com/BitVM/BitVM-sub000/logging"
	"github.com/BitVM/BitVM-sub000/relay"
)

func main() {
	if err := realMain(os.Args[1:]); err != nil {
		if errors.Is(err, config.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain(args []string) error {
	cfg, _, err := config.Parse("bitvmrelay", args)
	if err != nil {
		return err
	}
	if cfg.Conf.Dump {
		return nil
	}

	lb, err := logging.NewLogBackend(cfg.LogBackendConfig())
	if err != nil {
		return err
	}
	defer lb.Close()
	log := lb.Logger(logging.Relay)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	srv := relay.NewServer(log)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Relay.Listen) })
	g.Go(func() error {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				log.Debugf("relay: %d clients registered", srv.Clients())
			}
		}
	})

	err = g.Wait()
	log.Infof("relay: shut down")
	return err
}

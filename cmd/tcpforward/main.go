// Command tcpforward is a multi-port, multi-threaded TCP forwarding proxy:
// it reads a rule table of (listen_port, upstream_host, upstream_port)
// triples and relays every accepted connection to its configured upstream
// using a zero-copy splice pump.
package main

import (
	"context"
	"os"
	"time"

	"github.com/cloudflare/tableflip"

	"github.com/ankit-kulkarni/tcpforward/internal/adminserver"
	"github.com/ankit-kulkarni/tcpforward/internal/config"
	"github.com/ankit-kulkarni/tcpforward/internal/forwarder"
	"github.com/ankit-kulkarni/tcpforward/internal/metrics"
	"github.com/ankit-kulkarni/tcpforward/internal/xlog"
)

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	log := xlog.New(flags.Debug)

	rules, err := config.Load(log, flags.ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", flags.ConfigPath).Msg("could not load forwarding rules")
	}
	if len(rules) == 0 {
		log.Fatal().Str("path", flags.ConfigPath).Msg("forwarding rule table is empty")
	}

	m := metrics.New()

	fwd, err := forwarder.New(log, m)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize forwarder")
	}

	upg, err := tableflip.New(tableflip.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("tableflip.New failed")
	}
	defer upg.Stop()

	activated := forwarder.ActivationListeners()
	for _, rule := range rules {
		if err := fwd.InstallRule(rule, activated, upg); err != nil {
			log.Fatal().Err(err).Uint16("port", rule.ListenPort).Msg("failed to install forwarding rule")
		}
	}

	if flags.AdminAddr != "" {
		admin := adminserver.New(log, fwd, m)
		fwd.OnEvent(admin.Broadcast)
		go func() {
			if err := admin.ListenAndServe(flags.AdminAddr); err != nil {
				log.Error().Err(err).Msg("admin server exited")
			}
		}()
	}

	forwarder.RunWithLifecycle(fwd, upg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fwd.GracefulClose(ctx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
}

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/enclave-trust-broker/api/brokerhandler"
	"github.com/ruteri/enclave-trust-broker/broker"
	"github.com/ruteri/enclave-trust-broker/cmd/flags"
	"github.com/ruteri/enclave-trust-broker/common"
	"github.com/ruteri/enclave-trust-broker/cryptoutils"
	"github.com/ruteri/enclave-trust-broker/httpserver"
	"github.com/ruteri/enclave-trust-broker/metrics"
	"github.com/urfave/cli/v2"
)

const envPrefix = "BROKER"

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: flags.EnvVar(envPrefix, "listen-addr"),
}

func main() {
	app := &cli.App{
		Name:  "broker",
		Usage: "Serve the enclave trust broker API",
		Flags: append(append(BrokerFlags, ListenAddrFlag, flags.LedgerRPCFlag(envPrefix)), flags.CommonFlags(envPrefix)...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx, "broker")

			identity, err := cryptoutils.NewEnclaveIdentity()
			if err != nil {
				logger.Error("Failed to create enclave identity", "err", err)
				return err
			}
			logger.Info("Enclave identity created", "public_key", identity.PublicKeyHex())

			deps, err := SetupDependencies(cCtx, logger, identity)
			if err != nil {
				logger.Error("Failed to set up dependencies", "err", err)
				return err
			}

			m := metrics.New(common.MetricsNamespace)
			svc, err := broker.New(broker.Config{
				Identity:      identity,
				Store:         deps.Store,
				Decrypter:     deps.Decrypter,
				Scorer:        deps.Scorer,
				Publisher:     deps.Publisher,
				Policies:      deps.Policies,
				Metrics:       m,
				MirrorUploads: cCtx.Bool(MirrorUploadsFlag.Name),
			}, logger)
			if err != nil {
				logger.Error("Failed to create broker", "err", err)
				return err
			}

			serverCfg, err := flags.ConfigureServer(cCtx, logger, cCtx.String(ListenAddrFlag.Name), m)
			if err != nil {
				logger.Error("Invalid server flags", "err", err)
				return err
			}

			srv, err := httpserver.New(serverCfg, brokerhandler.NewHandler(svc, logger))
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			srv.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			srv.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

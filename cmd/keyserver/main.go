package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/enclave-trust-broker/cmd/flags"
	"github.com/ruteri/enclave-trust-broker/httpserver"
	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/ruteri/enclave-trust-broker/keyserver"
	"github.com/ruteri/enclave-trust-broker/ledger"
	"github.com/urfave/cli/v2"
)

const envPrefix = "KEYSERVER"

var (
	ListenAddrFlag = &cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8081",
		Usage:   "address to listen on for key requests",
		EnvVars: flags.EnvVar(envPrefix, "listen-addr"),
	}
	ConfigFlag = &cli.StringFlag{
		Name:     "config",
		Required: true,
		Usage:    "YAML file with the held shares, admin keys and static policy",
		EnvVars:  flags.EnvVar(envPrefix, "config"),
	}
	PolicyContractFlag = &cli.StringFlag{
		Name:    "policy-contract",
		Usage:   "broker contract consulted with sealApprove in addition to the static policy",
		EnvVars: flags.EnvVar(envPrefix, "policy-contract"),
	}
)

func main() {
	app := &cli.App{
		Name:  "keyserver",
		Usage: "Release key shares to attested broker sessions",
		Flags: append([]cli.Flag{ListenAddrFlag, ConfigFlag, PolicyContractFlag, flags.LedgerRPCFlag(envPrefix)}, flags.CommonFlags(envPrefix)...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx, "keyserver")

			cfg, err := keyserver.LoadConfig(cCtx.String(ConfigFlag.Name))
			if err != nil {
				logger.Error("Failed to load config", "err", err)
				return err
			}

			ks, store, err := setupKeyServer(cCtx, cfg, logger)
			if err != nil {
				logger.Error("Failed to set up key server", "err", err)
				return err
			}
			defer store.Wipe()

			logger.Info("Key server initialized", "name", ks.Name(), "keys", len(store.KeyIDs()))

			serverCfg, err := flags.ConfigureServer(cCtx, logger, cCtx.String(ListenAddrFlag.Name), nil)
			if err != nil {
				logger.Error("Invalid server flags", "err", err)
				return err
			}

			srv, err := httpserver.New(serverCfg, keyserver.NewHandler(ks, logger))
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
			released, denied := ks.Stats()
			logger.Info("Server shutdown complete", "released", released, "denied", denied)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupKeyServer(cCtx *cli.Context, cfg *keyserver.Config, logger *slog.Logger) (*keyserver.KeyServer, *keyserver.ShareStore, error) {
	shares, err := cfg.DecodeShares()
	if err != nil {
		return nil, nil, err
	}
	admins := make([][]byte, 0, len(cfg.Admins))
	for _, admin := range cfg.Admins {
		admins = append(admins, []byte(admin))
	}
	store, err := keyserver.NewShareStore(shares, admins)
	if err != nil {
		return nil, nil, err
	}

	static, err := keyserver.NewStaticPolicy(cfg.Policy)
	if err != nil {
		return nil, nil, err
	}
	var checker keyserver.PolicyChecker = static

	if addrHex := cCtx.String(PolicyContractFlag.Name); addrHex != "" {
		contractAddr, err := interfaces.NewContractAddressFromHex(addrHex)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid policy contract address: %w", err)
		}

		rpcAddress := cCtx.String(flags.LedgerRPCFlagName)
		logger.Info("Connecting to ledger RPC", "address", rpcAddress)
		ethClient, err := ethclient.Dial(rpcAddress)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial RPC: %w", err)
		}

		contract, err := ledger.NewBrokerContract(ethcommon.Address(contractAddr), ethClient, nil)
		if err != nil {
			return nil, nil, err
		}
		checker = keyserver.AllPolicies{static, keyserver.NewOnchainPolicy(contract)}
		logger.Info("Consulting on-ledger policy", "contract", contract.Address().Hex())
	}

	return keyserver.New(cfg.Name, store, checker, logger), store, nil
}

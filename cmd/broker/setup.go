package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/enclave-trust-broker/callpolicy"
	"github.com/ruteri/enclave-trust-broker/cmd/flags"
	"github.com/ruteri/enclave-trust-broker/cryptoutils"
	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/ruteri/enclave-trust-broker/keyrelease"
	"github.com/ruteri/enclave-trust-broker/ledger"
	"github.com/ruteri/enclave-trust-broker/orchestrator"
	"github.com/ruteri/enclave-trust-broker/scorer"
	"github.com/ruteri/enclave-trust-broker/storage"
	"github.com/urfave/cli/v2"
)

var (
	SimulateBlobsFlag = &cli.BoolFlag{
		Name:    "simulate-blobs",
		Value:   true,
		Usage:   "serve simulated model and dataset blobs instead of downloading them",
		EnvVars: flags.EnvVar(envPrefix, "simulate-blobs"),
	}
	BlobStoreFlag = &cli.StringSliceFlag{
		Name:    "blob-store",
		Usage:   "blob store URI (http(s)://aggregator, file://, s3://, ipfs://, vault://). Repeat for fallbacks",
		EnvVars: flags.EnvVar(envPrefix, "blob-stores"),
	}
	MirrorUploadsFlag = &cli.BoolFlag{
		Name:    "mirror-uploads",
		Usage:   "also write uploaded files to the blob store",
		EnvVars: flags.EnvVar(envPrefix, "mirror-uploads"),
	}
	ScorerURLFlag = &cli.StringFlag{
		Name:    "scorer-url",
		Usage:   "base URL of the remote scorer. Empty uses the simulated scorer",
		EnvVars: flags.EnvVar(envPrefix, "scorer-url"),
	}
	KeyServersFlag = &cli.StringSliceFlag{
		Name:    "key-server",
		Usage:   "key server as url or name=url. Repeat for every server",
		EnvVars: flags.EnvVar(envPrefix, "key-servers"),
	}
	KeyServerSRVFlag = &cli.StringFlag{
		Name:    "key-server-srv",
		Usage:   "discover key servers from the SRV records of this name, e.g. _keyserver._tcp.example.org",
		EnvVars: flags.EnvVar(envPrefix, "key-server-srv"),
	}
	DNSResolverFlag = &cli.StringFlag{
		Name:    "dns-resolver",
		Value:   keyrelease.DefaultResolver,
		Usage:   "DNS server used for key server discovery",
		EnvVars: flags.EnvVar(envPrefix, "dns-resolver"),
	}
	DemoFallbackFlag = &cli.BoolFlag{
		Name:    "demo-fallback",
		Usage:   "substitute a non-authoritative placeholder when key release fails for reasons other than cryptography",
		EnvVars: flags.EnvVar(envPrefix, "demo-fallback"),
	}
	LedgerFlag = &cli.StringFlag{
		Name:    "ledger",
		Value:   "none",
		Usage:   "where signed assessments are published: none, log or contract",
		EnvVars: flags.EnvVar(envPrefix, "ledger"),
	}
	LedgerContractFlag = &cli.StringFlag{
		Name:    "ledger-contract",
		Usage:   "broker contract address, required with --ledger=contract",
		EnvVars: flags.EnvVar(envPrefix, "ledger-contract"),
	}
	LedgerKeyFlag = &cli.StringFlag{
		Name:    "ledger-key",
		Usage:   "hex secp256k1 key that signs publication transactions",
		EnvVars: flags.EnvVar(envPrefix, "ledger-key"),
	}
	BlobTimeoutFlag = &cli.DurationFlag{
		Name:    "blob-timeout",
		Value:   30 * time.Second,
		Usage:   "bound on a single blob fetch",
		EnvVars: flags.EnvVar(envPrefix, "blob-timeout"),
	}
	KeyServerTimeoutFlag = &cli.DurationFlag{
		Name:    "key-server-timeout",
		Value:   5 * time.Second,
		Usage:   "bound on each key server request",
		EnvVars: flags.EnvVar(envPrefix, "key-server-timeout"),
	}
	ScorerTimeoutFlag = &cli.DurationFlag{
		Name:    "scorer-timeout",
		Value:   60 * time.Second,
		Usage:   "bound on one scorer evaluation",
		EnvVars: flags.EnvVar(envPrefix, "scorer-timeout"),
	}
)

var BrokerFlags = []cli.Flag{
	SimulateBlobsFlag,
	BlobStoreFlag,
	MirrorUploadsFlag,
	ScorerURLFlag,
	KeyServersFlag,
	KeyServerSRVFlag,
	DNSResolverFlag,
	DemoFallbackFlag,
	LedgerFlag,
	LedgerContractFlag,
	LedgerKeyFlag,
	BlobTimeoutFlag,
	KeyServerTimeoutFlag,
	ScorerTimeoutFlag,
}

// Dependencies are the external collaborators of the broker.
type Dependencies struct {
	Store     interfaces.BlobStore
	Decrypter orchestrator.Decrypter
	Scorer    interfaces.Scorer
	Publisher interfaces.Publisher
	Policies  *callpolicy.Set
}

// SetupDependencies builds every collaborator from flags.
func SetupDependencies(cCtx *cli.Context, logger *slog.Logger, identity *cryptoutils.EnclaveIdentity) (*Dependencies, error) {
	policies, err := setupPolicies(cCtx)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{}
	deps := &Dependencies{Policies: policies}

	if deps.Store, err = setupBlobStore(cCtx, logger, httpClient); err != nil {
		return nil, err
	}

	if url := cCtx.String(ScorerURLFlag.Name); url != "" {
		logger.Info("Using remote scorer", "url", url)
		deps.Scorer = scorer.NewClient(url, policies.For(callpolicy.Scorer), httpClient, logger)
	} else {
		logger.Warn("No scorer configured, using simulated scorer")
		deps.Scorer = scorer.NewSim(logger)
	}

	servers, err := keyServers(cCtx, logger)
	if err != nil {
		return nil, err
	}
	// A nil *keyrelease.Client must not end up in the interface.
	if len(servers) > 0 {
		deps.Decrypter = keyrelease.NewClient(identity, keyrelease.ClientConfig{
			Servers:    servers,
			Policy:     policies.For(callpolicy.KeyServer),
			HTTPClient: httpClient,
		}, logger)
	} else {
		logger.Warn("No key servers configured, encrypted blobs will be rejected")
	}

	if deps.Publisher, err = setupPublisher(cCtx, logger); err != nil {
		return nil, err
	}
	return deps, nil
}

func setupPolicies(cCtx *cli.Context) (*callpolicy.Set, error) {
	policies := callpolicy.Defaults()
	for dep, flag := range map[callpolicy.Dependency]*cli.DurationFlag{
		callpolicy.BlobStore: BlobTimeoutFlag,
		callpolicy.KeyServer: KeyServerTimeoutFlag,
		callpolicy.Scorer:    ScorerTimeoutFlag,
	} {
		if err := policies.SetTimeout(dep, cCtx.Duration(flag.Name)); err != nil {
			return nil, err
		}
	}
	if cCtx.Bool(DemoFallbackFlag.Name) {
		policies.EnableDemoFallback(callpolicy.KeyServer)
	}
	return policies, nil
}

func setupBlobStore(cCtx *cli.Context, logger *slog.Logger, httpClient *http.Client) (interfaces.BlobStore, error) {
	uris := cCtx.StringSlice(BlobStoreFlag.Name)
	if len(uris) == 0 {
		if !cCtx.Bool(SimulateBlobsFlag.Name) {
			return nil, errors.New("no blob store configured and simulation disabled")
		}
		logger.Warn("Serving simulated blobs")
		return storage.NewSimStore(logger), nil
	}

	locations := make([]interfaces.BlobStoreLocation, 0, len(uris))
	for _, uri := range uris {
		location, err := interfaces.NewBlobStoreLocation(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid blob store %q: %w", uri, err)
		}
		locations = append(locations, location)
	}
	return storage.NewFactory(logger, httpClient).CreateMultiStore(locations)
}

func keyServers(cCtx *cli.Context, logger *slog.Logger) ([]keyrelease.Server, error) {
	var servers []keyrelease.Server
	for _, spec := range cCtx.StringSlice(KeyServersFlag.Name) {
		name, url, found := strings.Cut(spec, "=")
		if !found || strings.Contains(name, "://") {
			name, url = "", spec
		}
		servers = append(servers, keyrelease.Server{Name: name, URL: url})
	}

	if srvName := cCtx.String(KeyServerSRVFlag.Name); srvName != "" {
		ctx, cancel := context.WithTimeout(cCtx.Context, 10*time.Second)
		defer cancel()
		discovered, err := keyrelease.NewDiscoverer(cCtx.String(DNSResolverFlag.Name)).Discover(ctx, srvName)
		if err != nil {
			return nil, fmt.Errorf("key server discovery failed: %w", err)
		}
		logger.Info("Discovered key servers", "name", srvName, "count", len(discovered))
		servers = append(servers, discovered...)
	}
	return servers, nil
}

func setupPublisher(cCtx *cli.Context, logger *slog.Logger) (interfaces.Publisher, error) {
	switch mode := cCtx.String(LedgerFlag.Name); mode {
	case "", "none":
		return ledger.NoopPublisher{}, nil
	case "log":
		return ledger.NewLogPublisher(logger), nil
	case "contract":
		return setupContractPublisher(cCtx, logger)
	default:
		return nil, fmt.Errorf("unknown ledger mode %q", mode)
	}
}

func setupContractPublisher(cCtx *cli.Context, logger *slog.Logger) (interfaces.Publisher, error) {
	contractAddr, err := interfaces.NewContractAddressFromHex(cCtx.String(LedgerContractFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("invalid ledger contract address: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cCtx.String(LedgerKeyFlag.Name), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid ledger key: %w", err)
	}

	rpcAddress := cCtx.String(flags.LedgerRPCFlagName)
	logger.Info("Connecting to ledger RPC", "address", rpcAddress)
	ethClient, err := ethclient.Dial(rpcAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RPC: %w", err)
	}

	contract, err := ledger.NewBrokerContract(ethcommon.Address(contractAddr), ethClient, ethClient)
	if err != nil {
		return nil, err
	}

	auth, err := transactOpts(cCtx.Context, ethClient, key)
	if err != nil {
		return nil, err
	}
	contract.SetTransactOpts(auth)

	logger.Info("Publishing attestations to contract", "contract", contract.Address().Hex(), "from", auth.From.Hex())
	return ledger.NewContractPublisher(contract, logger), nil
}

func transactOpts(ctx context.Context, ethClient *ethclient.Client, key *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	if chainID.Cmp(big.NewInt(0)) == 0 {
		return nil, errors.New("RPC reported chain id 0")
	}
	return bind.NewKeyedTransactorWithChainID(key, chainID)
}

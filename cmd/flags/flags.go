package flags

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/enclave-trust-broker/common"
	"github.com/ruteri/enclave-trust-broker/httpserver"
	"github.com/ruteri/enclave-trust-broker/metrics"
	"github.com/urfave/cli/v2"
)

const (
	LogJSONFlagName       = "log-json"
	LogDebugFlagName      = "log-debug"
	LogUIDFlagName        = "log-uid"
	LogServiceFlagName    = "log-service"
	PprofFlagName         = "pprof"
	DrainFlagName         = "drain"
	ShutdownFlagName      = "shutdown-timeout"
	ReadTimeoutFlagName   = "read-timeout"
	WriteTimeoutFlagName  = "write-timeout"
	MetricsAddrFlagName   = "metrics-addr"
	LedgerRPCFlagName     = "ledger-rpc"
	defaultLedgerEndpoint = "http://127.0.0.1:8545"
)

// EnvVar maps a flag name to its environment variable under prefix, e.g.
// ("BROKER", "log-json") is BROKER_LOG_JSON.
func EnvVar(prefix, name string) []string {
	return []string{prefix + "_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))}
}

// SetupLogger builds the process logger from the logging flags. service
// names the binary when --log-service is unset.
func SetupLogger(cCtx *cli.Context, service string) *slog.Logger {
	if s := cCtx.String(LogServiceFlagName); s != "" {
		service = s
	}

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlagName),
		JSON:    cCtx.Bool(LogJSONFlagName),
		Service: service,
		Version: common.Version,
	})

	if cCtx.Bool(LogUIDFlagName) {
		logger = logger.With("uid", uuid.Must(uuid.NewRandom()).String())
	}
	return logger
}

// ConfigureServer builds the server config from ServerFlags. m may be nil,
// in which case no metrics server is started.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string, m *metrics.Metrics) (*httpserver.HTTPServerConfig, error) {
	cfg := &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              cCtx.String(MetricsAddrFlagName),
		Metrics:                  m,
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlagName),
		DrainDuration:            cCtx.Duration(DrainFlagName),
		GracefulShutdownDuration: cCtx.Duration(ShutdownFlagName),
		ReadTimeout:              cCtx.Duration(ReadTimeoutFlagName),
		WriteTimeout:             cCtx.Duration(WriteTimeoutFlagName),
	}
	for name, d := range map[string]time.Duration{
		DrainFlagName:        cfg.DrainDuration,
		ShutdownFlagName:     cfg.GracefulShutdownDuration,
		ReadTimeoutFlagName:  cfg.ReadTimeout,
		WriteTimeoutFlagName: cfg.WriteTimeout,
	} {
		if d < 0 {
			return nil, fmt.Errorf("--%s must not be negative, got %s", name, d)
		}
	}
	return cfg, nil
}

// LedgerRPCFlag is the JSON-RPC endpoint used for on-ledger policy checks and
// result publication.
func LedgerRPCFlag(prefix string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:    LedgerRPCFlagName,
		Value:   defaultLedgerEndpoint,
		Usage:   "ledger JSON-RPC endpoint",
		EnvVars: EnvVar(prefix, LedgerRPCFlagName),
	}
}

// LogFlags configure the process logger.
func LogFlags(prefix string) []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    LogJSONFlagName,
			Usage:   "log in JSON format",
			EnvVars: EnvVar(prefix, LogJSONFlagName),
		},
		&cli.BoolFlag{
			Name:    LogDebugFlagName,
			Usage:   "log debug messages",
			EnvVars: EnvVar(prefix, LogDebugFlagName),
		},
		&cli.BoolFlag{
			Name:    LogUIDFlagName,
			Usage:   "tag every log line with a per-process uuid",
			EnvVars: EnvVar(prefix, LogUIDFlagName),
		},
		&cli.StringFlag{
			Name:    LogServiceFlagName,
			Usage:   "override the 'service' tag on log lines",
			EnvVars: EnvVar(prefix, LogServiceFlagName),
		},
	}
}

// ServerFlags configure the API listener, its lifecycle and the metrics server.
func ServerFlags(prefix string) []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    PprofFlagName,
			Usage:   "serve pprof under /debug",
			EnvVars: EnvVar(prefix, PprofFlagName),
		},
		&cli.DurationFlag{
			Name:    DrainFlagName,
			Value:   45 * time.Second,
			Usage:   "how long /drain waits for load balancers to stop routing",
			EnvVars: EnvVar(prefix, DrainFlagName),
		},
		&cli.DurationFlag{
			Name:    ShutdownFlagName,
			Value:   30 * time.Second,
			Usage:   "grace period for in-flight requests on shutdown",
			EnvVars: EnvVar(prefix, ShutdownFlagName),
		},
		&cli.DurationFlag{
			Name:    ReadTimeoutFlagName,
			Value:   60 * time.Second,
			Usage:   "request read timeout",
			EnvVars: EnvVar(prefix, ReadTimeoutFlagName),
		},
		// Covers a full assessment: blob fetch, key release and scoring.
		&cli.DurationFlag{
			Name:    WriteTimeoutFlagName,
			Value:   2 * time.Minute,
			Usage:   "response write timeout",
			EnvVars: EnvVar(prefix, WriteTimeoutFlagName),
		},
		&cli.StringFlag{
			Name:    MetricsAddrFlagName,
			Value:   "127.0.0.1:8090",
			Usage:   "address for the Prometheus metrics server, empty to disable",
			EnvVars: EnvVar(prefix, MetricsAddrFlagName),
		},
	}
}

// CommonFlags are LogFlags and ServerFlags together.
func CommonFlags(prefix string) []cli.Flag {
	return append(LogFlags(prefix), ServerFlags(prefix)...)
}

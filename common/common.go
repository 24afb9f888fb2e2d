// Package common holds process-wide build metadata and logger construction
// shared by every binary in this module.
package common

// PackageName is used as the default service tag in logs.
const PackageName = "enclave-trust-broker"

// MetricsNamespace prefixes every Prometheus metric of the broker.
const MetricsNamespace = "broker"

// Version is overridden at build time with -ldflags "-X .../common.Version=...".
var Version = "dev"

// Package ledger connects the broker and key servers to the on-ledger
// broker contract.
//
// Key servers evaluate sealApprove through BrokerContract before releasing
// a share. The broker optionally records signed assessment results with
// recordAttestation through a ContractPublisher. NoopPublisher, LogPublisher
// and MemoryPublisher serve deployments without a ledger.
package ledger

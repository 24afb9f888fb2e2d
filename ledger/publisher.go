package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// NoopPublisher publishes nothing. It is used when ledger publication is off.
type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, att *interfaces.Attestation) (*interfaces.Publication, error) {
	return nil, nil
}

// LogPublisher records publications in the log only.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, att *interfaces.Attestation) (*interfaces.Publication, error) {
	pub, err := publicationFor(att)
	if err != nil {
		return nil, err
	}
	p.log.Info("attestation publication",
		slog.String("attestation_id", att.ID),
		slog.String("result_digest", pub.ResultDigest.String()),
		slog.String("operation", att.Operation))
	return pub, nil
}

// ContractPublisher submits attestations to the broker contract.
type ContractPublisher struct {
	contract *BrokerContract
	log      *slog.Logger
}

func NewContractPublisher(contract *BrokerContract, log *slog.Logger) *ContractPublisher {
	return &ContractPublisher{contract: contract, log: log}
}

func (p *ContractPublisher) Publish(ctx context.Context, att *interfaces.Attestation) (*interfaces.Publication, error) {
	pub, err := publicationFor(att)
	if err != nil {
		return nil, err
	}

	signer, err := hex.DecodeString(att.SignerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}
	signature, err := hex.DecodeString(att.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}

	tx, err := p.contract.RecordAttestation(ctx, AttestationKey(att.ID), [32]byte(att.SubjectDigest), signer, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to record attestation: %w", err)
	}

	pub.TxHash = tx.Hash().Hex()
	p.log.Info("attestation recorded on ledger",
		slog.String("attestation_id", att.ID),
		slog.String("tx_hash", pub.TxHash),
		slog.String("contract", p.contract.Address().Hex()))
	return pub, nil
}

// AttestationKey maps an attestation id to its bytes32 ledger key: the uuid
// bytes left aligned, or keccak256 of the id if it is not a uuid.
func AttestationKey(id string) [32]byte {
	var key [32]byte
	if u, err := uuid.Parse(id); err == nil {
		copy(key[:], u[:])
		return key
	}
	copy(key[:], crypto.Keccak256([]byte(id)))
	return key
}

func publicationFor(att *interfaces.Attestation) (*interfaces.Publication, error) {
	if att == nil {
		return nil, fmt.Errorf("nil attestation")
	}
	return &interfaces.Publication{
		AttestationID: att.ID,
		ResultDigest:  att.SubjectDigest,
		Signature:     att.Signature,
	}, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BrokerABI is the interface of the on-ledger policy and attestation
// contract the broker and key servers talk to.
const BrokerABI = `[
	{"type":"function","name":"sealApprove","stateMutability":"view",
	 "inputs":[{"name":"policyId","type":"bytes32"},{"name":"keyId","type":"bytes32"},{"name":"objectId","type":"bytes32"},{"name":"sessionKey","type":"bytes"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"recordAttestation","stateMutability":"nonpayable",
	 "inputs":[{"name":"attestationId","type":"bytes32"},{"name":"resultDigest","type":"bytes32"},{"name":"signer","type":"bytes"},{"name":"signature","type":"bytes"}],
	 "outputs":[]},
	{"type":"event","name":"AttestationRecorded","anonymous":false,
	 "inputs":[{"name":"attestationId","type":"bytes32","indexed":true},{"name":"resultDigest","type":"bytes32","indexed":false}]}
]`

var ErrNoTransactOpts = errors.New("no authorized transactor available")

// ParsedBrokerABI returns the parsed contract interface.
func ParsedBrokerABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(BrokerABI))
}

// BrokerContract is a typed binding of BrokerABI.
type BrokerContract struct {
	contract *bind.BoundContract
	address  common.Address
	auth     *bind.TransactOpts
}

// NewBrokerContract binds the contract at address. backend may implement
// only bind.ContractCaller when no transactions are sent.
func NewBrokerContract(address common.Address, caller bind.ContractCaller, transactor bind.ContractTransactor) (*BrokerContract, error) {
	parsed, err := ParsedBrokerABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}
	return &BrokerContract{
		contract: bind.NewBoundContract(address, parsed, caller, transactor, nil),
		address:  address,
	}, nil
}

func (c *BrokerContract) Address() common.Address {
	return c.address
}

// SetTransactOpts enables transactions.
func (c *BrokerContract) SetTransactOpts(auth *bind.TransactOpts) {
	c.auth = auth
}

// SealApprove evaluates the seal_approve policy for one key of one object.
func (c *BrokerContract) SealApprove(ctx context.Context, policyID, keyID, objectID [32]byte, sessionKey []byte) (bool, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "sealApprove", policyID, keyID, objectID, sessionKey)
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("unexpected sealApprove output length %d", len(out))
	}
	approved, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected sealApprove output type %T", out[0])
	}
	return approved, nil
}

// RecordAttestation submits an attestation digest to the ledger.
func (c *BrokerContract) RecordAttestation(ctx context.Context, attestationID, resultDigest [32]byte, signer, signature []byte) (*types.Transaction, error) {
	if c.auth == nil {
		return nil, ErrNoTransactOpts
	}
	opts := *c.auth
	opts.Context = ctx
	return c.contract.Transact(&opts, "recordAttestation", attestationID, resultDigest, signer, signature)
}

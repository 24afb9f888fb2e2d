package attestation

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ruteri/enclave-trust-broker/common"
	"github.com/ruteri/enclave-trust-broker/cryptoutils"
)

// MeasurementSize is the length of one placeholder measurement register.
const MeasurementSize = 48

// MaxUserDataSize bounds the caller data embedded in an identity report.
const MaxUserDataSize = 1024

// IdentityDocument is the signed body of an identity report.
//
// The measurements are fixed placeholders. This report is a software-only
// stand-in for hardware remote attestation: it proves possession of the
// identity key and nothing about the code or platform holding it.
type IdentityDocument struct {
	ModuleID     string            `json:"module_id"`
	Timestamp    int64             `json:"timestamp"`
	Measurements map[string]string `json:"pcrs"`
	PublicKey    string            `json:"public_key"`
	UserData     string            `json:"user_data,omitempty"`
	SoftwareOnly bool              `json:"software_only"`
}

// IdentityReport is a base64 document together with the identity signature
// over the document bytes.
type IdentityReport struct {
	Document  string `json:"document"`
	Signature string `json:"signature"`
}

// PlaceholderMeasurements returns the fixed pcr0..pcr2 values reported by
// software-only identity reports.
func PlaceholderMeasurements() map[string]string {
	m := make(map[string]string, 3)
	for i := 0; i < 3; i++ {
		reg := make([]byte, MeasurementSize)
		for j := range reg {
			reg[j] = byte(i)
		}
		m[fmt.Sprintf("pcr%d", i)] = hex.EncodeToString(reg)
	}
	return m
}

// GenerateIdentityReport signs a document binding the identity public key
// and userData.
func (s *Service) GenerateIdentityReport(userData []byte) (*IdentityReport, error) {
	if len(userData) > MaxUserDataSize {
		return nil, fmt.Errorf("user data exceeds %d bytes", MaxUserDataSize)
	}

	doc := IdentityDocument{
		ModuleID:     common.PackageName + "-" + s.identity.ID(),
		Timestamp:    s.now().Unix(),
		Measurements: PlaceholderMeasurements(),
		PublicKey:    s.identity.PublicKeyHex(),
		SoftwareOnly: true,
	}
	if len(userData) > 0 {
		doc.UserData = base64.StdEncoding.EncodeToString(userData)
	}

	docBytes, err := cryptoutils.MarshalCanonical(doc)
	if err != nil {
		return nil, err
	}

	return &IdentityReport{
		Document:  base64.StdEncoding.EncodeToString(docBytes),
		Signature: hex.EncodeToString(s.identity.Sign(docBytes)),
	}, nil
}

// VerifyIdentityReport checks the report signature against the public key
// the document names and returns the decoded document.
func VerifyIdentityReport(report *IdentityReport) (*IdentityDocument, error) {
	if report == nil {
		return nil, errors.New("nil report")
	}

	docBytes, err := base64.StdEncoding.DecodeString(report.Document)
	if err != nil {
		return nil, fmt.Errorf("invalid document encoding: %w", err)
	}

	var doc IdentityDocument
	if err := json.Unmarshal(docBytes, &doc); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}

	pub, ok := decodeCanonicalHex(doc.PublicKey)
	if !ok {
		return nil, errors.New("invalid public key encoding")
	}
	sig, ok := decodeCanonicalHex(report.Signature)
	if !ok {
		return nil, errors.New("invalid signature encoding")
	}
	if !cryptoutils.VerifySignature(pub, docBytes, sig) {
		return nil, errors.New("identity report signature mismatch")
	}

	return &doc, nil
}

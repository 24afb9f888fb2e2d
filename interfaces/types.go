package interfaces

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ContentDigest is a 32-byte SHA-256 hash of a blob or a result payload.
type ContentDigest [32]byte

// NewContentDigestFromBytes copies a raw 32-byte hash into a ContentDigest.
func NewContentDigestFromBytes(source []byte) (ContentDigest, error) {
	if len(source) != 32 {
		return ContentDigest{}, errors.New("invalid digest conversion from bytes: incorrect length")
	}

	var d ContentDigest
	copy(d[:], source)
	return d, nil
}

// NewContentDigestFromHex parses a 64-character hex digest, with or without 0x prefix.
func NewContentDigestFromHex(source string) (ContentDigest, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentDigest{}, errors.New("invalid digest length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return ContentDigest{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewContentDigestFromBytes(raw)
}

// String returns the lowercase hex representation.
func (d ContentDigest) String() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns the raw 32-byte hash.
func (d ContentDigest) Bytes() []byte {
	return d[:]
}

// Equal compares two digests.
func (d ContentDigest) Equal(other ContentDigest) bool {
	return d == other
}

// IsZero reports whether the digest was never set.
func (d ContentDigest) IsZero() bool {
	return d == ContentDigest{}
}

// CID renders the digest as a CIDv1 with the raw codec and a sha2-256
// multihash, which is how IPFS addresses single-block raw content.
func (d ContentDigest) CID() (cid.Cid, error) {
	mh, err := multihash.Encode(d[:], multihash.SHA2_256)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, multihash.Multihash(mh)), nil
}

func (d ContentDigest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *ContentDigest) UnmarshalText(text []byte) error {
	parsed, err := NewContentDigestFromHex(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// FormatKind is the closed set of content classes assigned by the classifier.
type FormatKind int

const (
	UnknownBinary FormatKind = iota
	Image
	Archive
	SerializedObject
	NumericArray
	DelimitedText
	StructuredText
)

var formatKindNames = map[FormatKind]string{
	UnknownBinary:    "unknown_binary",
	Image:            "image",
	Archive:          "archive",
	SerializedObject: "serialized_object",
	NumericArray:     "numeric_array",
	DelimitedText:    "delimited_text",
	StructuredText:   "structured_text",
}

func (k FormatKind) String() string {
	if name, ok := formatKindNames[k]; ok {
		return name
	}
	return "unknown_binary"
}

// ParseFormatKind is the inverse of FormatKind.String.
func ParseFormatKind(s string) (FormatKind, error) {
	for kind, name := range formatKindNames {
		if name == s {
			return kind, nil
		}
	}
	return UnknownBinary, fmt.Errorf("unknown format kind %q", s)
}

func (k FormatKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *FormatKind) UnmarshalText(text []byte) error {
	parsed, err := ParseFormatKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Blob is an immutable byte sequence together with the reference it was fetched by.
type Blob struct {
	Ref  string
	Data []byte
}

// FileType is the caller-declared role of an uploaded file.
type FileType string

const (
	FileTypeModel    FileType = "model"
	FileTypeDataset  FileType = "dataset"
	FileTypeDocument FileType = "document"
	FileTypeOther    FileType = "other"
)

// FileTypeFromName guesses a FileType from a file name extension.
func FileTypeFromName(name string) FileType {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".json"), strings.HasSuffix(lower, ".model"),
		strings.HasSuffix(lower, ".pkl"), strings.HasSuffix(lower, ".onnx"):
		return FileTypeModel
	case strings.HasSuffix(lower, ".csv"), strings.HasSuffix(lower, ".data"),
		strings.HasSuffix(lower, ".parquet"), strings.HasSuffix(lower, ".npy"):
		return FileTypeDataset
	case strings.HasSuffix(lower, ".pdf"), strings.HasSuffix(lower, ".doc"):
		return FileTypeDocument
	default:
		return FileTypeOther
	}
}

// FileEntry is a file held in the broker's in-memory registry.
type FileEntry struct {
	ID         string        `json:"file_id"`
	Name       string        `json:"file_name"`
	Type       FileType      `json:"file_type"`
	Digest     ContentDigest `json:"content_hash"`
	Size       int           `json:"size"`
	Format     FormatKind    `json:"format"`
	UploadedAt time.Time     `json:"uploaded_at"`
	Data       []byte        `json:"-"`
}

// Attestation binds a subject digest and an operation label to the signer's
// identity. Signature covers the canonical bytes of Metadata, and Metadata
// repeats the top-level fields so that they are covered too.
type Attestation struct {
	ID              string          `json:"id"`
	SubjectDigest   ContentDigest   `json:"subject_digest"`
	Operation       string          `json:"operation"`
	Timestamp       time.Time       `json:"timestamp"`
	SignerPublicKey string          `json:"signer_public_key"`
	Signature       string          `json:"signature"`
	Metadata        json.RawMessage `json:"metadata"`
}

// AssessmentKind selects how deep the remote scorer evaluates a model.
type AssessmentKind string

const (
	BasicValidation        AssessmentKind = "basic_validation"
	QualityAnalysis        AssessmentKind = "quality_analysis"
	ComprehensiveBenchmark AssessmentKind = "comprehensive_benchmark"
	BiasAudit              AssessmentKind = "bias_audit"
)

// ParseAssessmentKind accepts the snake_case names; an empty string selects BasicValidation.
func ParseAssessmentKind(s string) (AssessmentKind, error) {
	switch AssessmentKind(s) {
	case "":
		return BasicValidation, nil
	case BasicValidation, QualityAnalysis, ComprehensiveBenchmark, BiasAudit:
		return AssessmentKind(s), nil
	default:
		return "", fmt.Errorf("unsupported assessment type %q", s)
	}
}

// ContractAddress is a 20-byte ledger contract address.
type ContractAddress [20]byte

// NewContractAddressFromHex parses a 40-character hex address, with or without 0x prefix.
func NewContractAddressFromHex(addr string) (ContractAddress, error) {
	clean := strings.TrimPrefix(addr, "0x")
	if len(clean) != 40 {
		return ContractAddress{}, errors.New("invalid address length: hex string must be 40 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return ContractAddress{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var res ContractAddress
	copy(res[:], raw)
	return res, nil
}

func (addr ContractAddress) String() string {
	return hex.EncodeToString(addr[:])
}

func (addr ContractAddress) Bytes() []byte {
	return addr[:]
}

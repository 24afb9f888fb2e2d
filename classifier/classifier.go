package classifier

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/ruteri/enclave-trust-broker/interfaces"
)

const (
	// EntropySampleSize bounds the prefix the entropy heuristic looks at.
	EntropySampleSize = 1024
	// EntropyThreshold is the bits/byte above which a sample looks encrypted.
	EntropyThreshold = 7.0
	// MinEncryptedSize is the shortest blob the heuristic will call encrypted.
	MinEncryptedSize = 32
)

// Detection is the result of running the matcher table over a blob.
type Detection struct {
	Kind    interfaces.FormatKind
	Subtype string
}

// Matcher is one entry of the ordered detection table.
type Matcher struct {
	Name  string
	Kind  interfaces.FormatKind
	Match func(data []byte) bool
}

var (
	pngSignature     = []byte("\x89PNG\r\n\x1a\n")
	jpegSignature    = []byte{0xFF, 0xD8, 0xFF}
	gif87Signature   = []byte("GIF87a")
	gif89Signature   = []byte("GIF89a")
	zipSignature     = []byte("PK\x03\x04")
	numpySignature   = []byte("\x93NUMPY")
	parquetSignature = []byte("PAR1")
	onnxSignature    = []byte{0x08, 0x01, 0x12}
)

// matchers is evaluated top to bottom and the first hit wins. Entries that
// refine a generic signature (a saved model inside a zip) must come before
// the generic entry.
var matchers = []Matcher{
	{Name: "png", Kind: interfaces.Image, Match: hasPrefix(pngSignature)},
	{Name: "jpeg", Kind: interfaces.Image, Match: hasPrefix(jpegSignature)},
	{Name: "gif", Kind: interfaces.Image, Match: func(data []byte) bool {
		return bytes.HasPrefix(data, gif87Signature) || bytes.HasPrefix(data, gif89Signature)
	}},
	{Name: "tf-saved-model", Kind: interfaces.Archive, Match: isSavedModelArchive},
	{Name: "zip", Kind: interfaces.Archive, Match: hasPrefix(zipSignature)},
	{Name: "pickle", Kind: interfaces.SerializedObject, Match: isPickle},
	{Name: "npy", Kind: interfaces.NumericArray, Match: hasPrefix(numpySignature)},
	{Name: "parquet", Kind: interfaces.NumericArray, Match: hasPrefix(parquetSignature)},
	{Name: "onnx", Kind: interfaces.SerializedObject, Match: hasPrefix(onnxSignature)},
	{Name: "json", Kind: interfaces.StructuredText, Match: isStructuredText},
	{Name: "csv", Kind: interfaces.DelimitedText, Match: isDelimitedText},
}

// Matchers returns a copy of the detection table in evaluation order.
func Matchers() []Matcher {
	out := make([]Matcher, len(matchers))
	copy(out, matchers)
	return out
}

// Detect runs the matcher table and reports the first match.
func Detect(data []byte) Detection {
	for _, m := range matchers {
		if m.Match(data) {
			return Detection{Kind: m.Kind, Subtype: m.Name}
		}
	}
	return Detection{Kind: interfaces.UnknownBinary, Subtype: "binary"}
}

// DetectFormat returns the FormatKind of data.
func DetectFormat(data []byte) interfaces.FormatKind {
	return Detect(data).Kind
}

// HasPlaintextSignature reports whether any matcher recognises data.
func HasPlaintextSignature(data []byte) bool {
	return DetectFormat(data) != interfaces.UnknownBinary
}

// EstimateEncryptionLikelihood reports whether data looks like ciphertext.
// Known signatures always win over entropy so that compressed formats are
// never mistaken for encrypted ones.
func EstimateEncryptionLikelihood(data []byte) bool {
	if len(data) < MinEncryptedSize {
		return false
	}
	if HasPlaintextSignature(data) {
		return false
	}

	sample := data
	if len(sample) > EntropySampleSize {
		sample = sample[:EntropySampleSize]
	}
	return ShannonEntropy(sample) > EntropyThreshold
}

// ShannonEntropy returns the entropy of data in bits per byte.
func ShannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var counts [256]int
	for _, b := range data {
		counts[b]++
	}

	total := float64(len(data))
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// ComputeDigest returns the SHA-256 digest of data.
func ComputeDigest(data []byte) interfaces.ContentDigest {
	return interfaces.ContentDigest(sha256.Sum256(data))
}

func hasPrefix(sig []byte) func([]byte) bool {
	return func(data []byte) bool {
		return bytes.HasPrefix(data, sig)
	}
}

// isPickle matches the PROTO opcode followed by protocol versions 2 to 5.
func isPickle(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x80 && data[1] >= 0x02 && data[1] <= 0x05
}

func isSavedModelArchive(data []byte) bool {
	if !bytes.HasPrefix(data, zipSignature) {
		return false
	}

	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		// Truncated archives have no central directory; fall back to a name scan.
		return bytes.Contains(data, []byte("saved_model.pb"))
	}
	for _, f := range r.File {
		if f.Name == "saved_model.pb" || strings.HasSuffix(f.Name, "/saved_model.pb") {
			return true
		}
	}
	return false
}

func isStructuredText(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	return utf8.Valid(data)
}

func isDelimitedText(data []byte) bool {
	firstLine := data
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		firstLine = data[:idx]
	}
	if !bytes.Contains(firstLine, []byte(",")) {
		return false
	}
	if len(bytes.Split(firstLine, []byte(","))) < 2 {
		return false
	}
	return utf8.Valid(data)
}

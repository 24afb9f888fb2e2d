package classifier

import (
	"archive/zip"
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipWith(t *testing.T, names ...string) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range names {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte("contents of " + name))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// randomUnknownBinary returns random bytes that no matcher recognises.
func randomUnknownBinary(t *testing.T, n int) []byte {
	for {
		data := make([]byte, n)
		_, err := rand.Read(data)
		require.NoError(t, err)
		if DetectFormat(data) == interfaces.UnknownBinary {
			return data
		}
	}
}

func TestDetectFormat(t *testing.T) {
	testCases := []struct {
		name    string
		data    []byte
		kind    interfaces.FormatKind
		subtype string
	}{
		{"png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), interfaces.Image, "png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}, interfaces.Image, "jpeg"},
		{"gif", []byte("GIF89a\x01\x00\x01\x00"), interfaces.Image, "gif"},
		{"numpy", []byte("\x93NUMPY\x01\x00v\x00{'descr': '<f8'}"), interfaces.NumericArray, "npy"},
		{"parquet", []byte("PAR1\x15\x04\x15"), interfaces.NumericArray, "parquet"},
		{"pickle protocol 3", []byte("\x80\x03cnumpy\n"), interfaces.SerializedObject, "pickle"},
		{"pickle protocol 4", []byte("\x80\x04\x95\x00"), interfaces.SerializedObject, "pickle"},
		{"onnx", []byte{0x08, 0x01, 0x12, 0x07}, interfaces.SerializedObject, "onnx"},
		{"csv", []byte("a,b,c\n1,2,3\n"), interfaces.DelimitedText, "csv"},
		{"json object", []byte(`{"a":1}`), interfaces.StructuredText, "json"},
		{"json array with commas", []byte(`[1,2,3]`), interfaces.StructuredText, "json"},
		{"json object with leading whitespace", []byte("  \n{\"a\":1,\"b\":2}"), interfaces.StructuredText, "json"},
		{"plain text without comma", []byte("hello world\n"), interfaces.UnknownBinary, "binary"},
		{"csv with invalid utf8", []byte("a,b\n\xff\xfe,1\n"), interfaces.UnknownBinary, "binary"},
		{"empty", []byte{}, interfaces.UnknownBinary, "binary"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := Detect(tc.data)
			assert.Equal(t, tc.kind, d.Kind)
			assert.Equal(t, tc.subtype, d.Subtype)
			assert.Equal(t, tc.kind, DetectFormat(tc.data))
		})
	}
}

func TestDetectFormat_Archives(t *testing.T) {
	saved := zipWith(t, "variables/variables.index", "saved_model.pb")
	d := Detect(saved)
	assert.Equal(t, interfaces.Archive, d.Kind)
	assert.Equal(t, "tf-saved-model", d.Subtype)

	nested := zipWith(t, "export/1/saved_model.pb")
	assert.Equal(t, "tf-saved-model", Detect(nested).Subtype)

	plain := zipWith(t, "weights.bin")
	d = Detect(plain)
	assert.Equal(t, interfaces.Archive, d.Kind)
	assert.Equal(t, "zip", d.Subtype)
}

func TestMatcherOrder(t *testing.T) {
	names := make([]string, 0, len(matchers))
	for _, m := range Matchers() {
		names = append(names, m.Name)
	}

	index := func(name string) int {
		for i, n := range names {
			if n == name {
				return i
			}
		}
		t.Fatalf("matcher %s missing", name)
		return -1
	}

	assert.Less(t, index("tf-saved-model"), index("zip"), "saved model must be checked before generic zip")
	assert.Less(t, index("json"), index("csv"), "leading brace must be checked before comma heuristic")
	for _, binary := range []string{"png", "jpeg", "gif", "zip", "pickle", "npy", "parquet", "onnx"} {
		assert.Less(t, index(binary), index("json"))
		assert.Less(t, index(binary), index("csv"))
	}

	// Mutating the returned slice must not reorder detection.
	ms := Matchers()
	ms[0], ms[len(ms)-1] = ms[len(ms)-1], ms[0]
	assert.Equal(t, "png", Matchers()[0].Name)
}

func TestEstimateEncryptionLikelihood(t *testing.T) {
	t.Run("random bytes look encrypted", func(t *testing.T) {
		data := randomUnknownBinary(t, 2048)
		assert.True(t, EstimateEncryptionLikelihood(data))
	})

	t.Run("png signature wins over trailing entropy", func(t *testing.T) {
		data := append([]byte("\x89PNG\r\n\x1a\n"), randomUnknownBinary(t, 4096)...)
		assert.False(t, EstimateEncryptionLikelihood(data))
	})

	t.Run("zip signature wins over trailing entropy", func(t *testing.T) {
		data := append([]byte("PK\x03\x04"), randomUnknownBinary(t, 4096)...)
		assert.False(t, EstimateEncryptionLikelihood(data))
	})

	t.Run("short buffers are never encrypted", func(t *testing.T) {
		data := randomUnknownBinary(t, MinEncryptedSize-1)
		assert.False(t, EstimateEncryptionLikelihood(data))
	})

	t.Run("low entropy binary", func(t *testing.T) {
		data := bytes.Repeat([]byte{0x00, 0x01, 0x02, 0x03}, 512)
		assert.False(t, EstimateEncryptionLikelihood(data))
	})

	t.Run("only the prefix sample is measured", func(t *testing.T) {
		data := append(bytes.Repeat([]byte{0x42}, EntropySampleSize), randomUnknownBinary(t, 8192)...)
		assert.False(t, EstimateEncryptionLikelihood(data))
	})
}

func TestShannonEntropy(t *testing.T) {
	assert.Equal(t, 0.0, ShannonEntropy(nil))
	assert.Equal(t, 0.0, ShannonEntropy(bytes.Repeat([]byte{7}, 100)))
	assert.InDelta(t, 1.0, ShannonEntropy([]byte{0, 1, 0, 1}), 1e-9)

	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	assert.InDelta(t, 8.0, ShannonEntropy(all), 1e-9)
}

func TestComputeDigest(t *testing.T) {
	data := []byte("deterministic input")
	assert.Equal(t, ComputeDigest(data), ComputeDigest(append([]byte{}, data...)))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", ComputeDigest(nil).String())

	seen := make(map[interfaces.ContentDigest][]byte)
	for i := 0; i < 500; i++ {
		sample := make([]byte, 64)
		_, err := rand.Read(sample)
		require.NoError(t, err)

		base := ComputeDigest(sample)
		if prev, ok := seen[base]; ok {
			require.Equal(t, prev, sample, "digest collision on distinct inputs")
		}
		seen[base] = sample

		for _, pos := range []int{0, i % 64, 63} {
			mutated := append([]byte{}, sample...)
			mutated[pos] ^= 0x01
			assert.NotEqual(t, base, ComputeDigest(mutated))
		}
	}
}

func TestSanityCheck(t *testing.T) {
	assert.ErrorIs(t, SanityCheck(interfaces.UnknownBinary, nil), ErrEmptyPayload)
	assert.NoError(t, SanityCheck(interfaces.StructuredText, []byte(`{"a":1}`)))
	assert.Error(t, SanityCheck(interfaces.StructuredText, []byte(`{"a":`)))
	assert.NoError(t, SanityCheck(interfaces.DelimitedText, []byte("a,b,c\n1,2,3\n")))
	assert.Error(t, SanityCheck(interfaces.DelimitedText, []byte("a,b,c\n1,2\n")))
	assert.Error(t, SanityCheck(interfaces.Image, []byte("\x89PNG\r\n\x1a\n")))
	assert.Error(t, SanityCheck(interfaces.Archive, []byte("PK\x03\x04")))
	assert.NoError(t, SanityCheck(interfaces.Archive, zipWith(t, "a.txt")))
	assert.NoError(t, SanityCheck(interfaces.UnknownBinary, []byte{0x01}))
}

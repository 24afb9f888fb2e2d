package classifier

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// sanityRows bounds how many delimited rows are read to check field counts.
const sanityRows = 16

var ErrEmptyPayload = errors.New("empty payload")

// SanityCheck verifies that data is non-empty and minimally well formed for
// the declared kind. It does not parse columns or tensors.
func SanityCheck(kind interfaces.FormatKind, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}

	switch kind {
	case interfaces.StructuredText:
		if !json.Valid(data) {
			return errors.New("structured text is not valid JSON")
		}
	case interfaces.DelimitedText:
		return checkDelimited(data)
	case interfaces.Image:
		if len(data) <= len(pngSignature) {
			return errors.New("image is truncated")
		}
	case interfaces.Archive:
		if len(data) < 22 {
			// Shorter than an end-of-central-directory record.
			return errors.New("archive is truncated")
		}
	case interfaces.NumericArray:
		if bytes.HasPrefix(data, numpySignature) && len(data) < 10 {
			return errors.New("npy header is truncated")
		}
	}
	return nil
}

func checkDelimited(data []byte) error {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = 0
	r.LazyQuotes = true

	for i := 0; i < sanityRows; i++ {
		_, err := r.Read()
		if errors.Is(err, io.EOF) {
			if i == 0 {
				return errors.New("delimited text has no rows")
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("delimited text is malformed: %w", err)
		}
	}
	return nil
}

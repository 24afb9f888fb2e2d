package storage

import (
	"crypto/sha256"
	"fmt"

	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// DigestRef is the reference content-addressed stores return for data: the
// lowercase hex SHA-256 digest.
func DigestRef(data []byte) string {
	return interfaces.ContentDigest(sha256.Sum256(data)).String()
}

func parseDigestRef(ref string) (interfaces.ContentDigest, error) {
	digest, err := interfaces.NewContentDigestFromHex(ref)
	if err != nil {
		return interfaces.ContentDigest{}, fmt.Errorf("%w: %q is not a content digest", interfaces.ErrInvalidBlobRef, ref)
	}
	return digest, nil
}

// verifyDigest rejects content that does not hash to the reference it was
// fetched by.
func verifyDigest(expected interfaces.ContentDigest, data []byte) error {
	if actual := interfaces.ContentDigest(sha256.Sum256(data)); actual != expected {
		return fmt.Errorf("content digest mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

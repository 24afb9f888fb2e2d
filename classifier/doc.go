// Package classifier sniffs the format of raw blobs and estimates whether they
// are encrypted.
//
// Format detection walks an ordered table of magic-byte and structural
// matchers and stops at the first hit. The order is part of the contract:
// specific signatures (a TensorFlow saved model inside a zip) sit above the
// generic ones they refine (any zip), and every binary signature sits above
// the text heuristics.
//
// Encryption likelihood is a Shannon entropy estimate over the first
// EntropySampleSize bytes. A blob that matches any known plaintext signature
// is never reported as encrypted, whatever its entropy, so compressed
// archives and images stay on the plaintext path.
package classifier

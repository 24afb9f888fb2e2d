// Package orchestrator runs the assessment pipeline of the broker.
//
// For each of the two referenced blobs it fetches the bytes from the
// configured blob store, classifies them, obtains plaintext through the
// threshold key release protocol when the bytes look encrypted, and checks
// that the plaintext is minimally well formed for its detected format. The
// plaintext pair is sent to the scorer, the scorer's result is bound to both
// input digests and the binding is signed as an "assess" attestation.
//
// Every stage failure aborts the pipeline with an interfaces.Error naming
// the stage. Ledger publication is the one best effort step: it runs after
// signing and its failure only drops the publication from the result.
//
// A result whose plaintext came from the key release demo substitution is
// marked non_authoritative, both in the result and in the signed metadata.
package orchestrator

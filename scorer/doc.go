// Package scorer implements interfaces.Scorer: Client calls a remote
// evaluation service over HTTP and Sim produces deterministic local scores
// for development.
package scorer

// Package storage provides the blob stores models and datasets are fetched
// from.
//
// Every store implements interfaces.BlobStore and is created from a location
// URI by Factory:
//
//   - https://aggregator.example.com?publisher=https://publisher.example.com
//   - file:///var/lib/broker/blobs
//   - s3://bucket-name/prefix/?region=us-west-2
//   - ipfs://ipfs.example.com:5001/
//   - vault://vault.example.com:8200/secret/broker
//   - sim://
//
// # References
//
// A reference is opaque to callers. File, S3 and Vault stores are content
// addressed: Store returns the hex SHA-256 digest of the data and Fetch
// rejects content that no longer hashes to it. IPFS returns CIDs and also
// accepts digests, which it maps to raw-leaf CIDv1. Aggregator references
// are whatever ids the aggregator assigns.
//
// # Multiple stores
//
// MultiStore tries stores in order on Fetch and writes to all of them on
// Store:
//
//	factory := storage.NewFactory(logger, nil)
//	store, err := factory.CreateMultiStore(locations)
//	if err != nil {
//	    log.Fatalf("Failed to create blob stores: %v", err)
//	}
//	data, err := store.Fetch(ctx, ref)
//
// SimStore serves generated demo blobs and is selected when real downloads
// are disabled.
package storage

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	shell "github.com/ipfs/go-ipfs-api"
	"github.com/pkg/errors"
	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// IPFSStore reads and writes blobs through an IPFS node's HTTP API.
//
// Blobs are added as raw-leaf CIDv1 objects, so a blob no larger than one
// chunk has the same CID as interfaces.ContentDigest.CID() and can be
// fetched by either form of reference.
type IPFSStore struct {
	shell       *shell.Shell
	apiURL      string
	log         *slog.Logger
	locationURI string
}

// NewIPFSStore connects to the node API at host:port.
func NewIPFSStore(host, port string, timeout time.Duration, log *slog.Logger) *IPFSStore {
	apiURL := fmt.Sprintf("%s:%s", host, port)

	sh := shell.NewShell(apiURL)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}

	return &IPFSStore{
		shell:       sh,
		apiURL:      apiURL,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/?timeout=%s", apiURL, timeout),
	}
}

// Fetch cats the object named by ref: a CID, an /ipfs/ path or a hex
// content digest. Digest references are verified after download.
func (b *IPFSStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	start := time.Now()

	target, digest, err := resolveIPFSRef(ref)
	if err != nil {
		return nil, err
	}

	reader, err := b.shell.Cat(target)
	if err != nil {
		if strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "no link named") {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to fetch blob from IPFS",
			slog.String("path", target),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, errors.Wrap(err, "failed to fetch blob from IPFS")
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read blob from IPFS")
	}
	if digest != nil {
		if err := verifyDigest(*digest, data); err != nil {
			return nil, errors.Wrap(err, target)
		}
	}

	b.log.Debug("Fetched blob from IPFS",
		slog.String("path", target),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Store adds data to IPFS and returns the CID it was added under.
func (b *IPFSStore) Store(ctx context.Context, data []byte) (string, error) {
	ref, err := b.shell.Add(bytes.NewReader(data), shell.CidVersion(1), shell.RawLeaves(true))
	if err != nil {
		return "", errors.Wrap(err, "failed to add blob to IPFS")
	}

	b.log.Debug("Stored blob in IPFS",
		slog.String("cid", ref),
		slog.String("digest", DigestRef(data)))

	return ref, nil
}

func (b *IPFSStore) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSStore) Name() string {
	return fmt.Sprintf("ipfs-%s", b.apiURL)
}

func (b *IPFSStore) LocationURI() string {
	return b.locationURI
}

// resolveIPFSRef turns ref into a path the node understands. For digest
// references it also returns the digest to verify against.
func resolveIPFSRef(ref string) (string, *interfaces.ContentDigest, error) {
	if digest, err := parseDigestRef(ref); err == nil {
		c, err := digest.CID()
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidBlobRef, err)
		}
		return "/ipfs/" + c.String(), &digest, nil
	}

	trimmed := strings.TrimPrefix(ref, "/ipfs/")
	root, _, _ := strings.Cut(trimmed, "/")
	if _, err := cid.Decode(root); err != nil {
		return "", nil, fmt.Errorf("%w: %q is neither a CID nor a content digest", interfaces.ErrInvalidBlobRef, ref)
	}
	return "/ipfs/" + trimmed, nil, nil
}

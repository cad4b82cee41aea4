// Package blobstore stores recordings and documents on the local
// filesystem under content-derived names.
package blobstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"

	"github.com/dkeye/Verify/internal/core"
)

var _ core.ObjectStore = (*FS)(nil)

const refPrefix = "blake3:"

var ErrBadRef = errors.New("malformed object reference")

var namespacePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// objectDomainKey keeps object names distinct from other blake3 hashes.
var objectDomainKey = [32]byte{
	'v', 'e', 'r', 'i', 'f', 'y', '.', 'o', 'b', 'j', 'e', 'c', 't',
}

// FS is an ObjectStore rooted at a directory. References look like
// "blake3:<namespace>/<digest>.<nonce>": the digest is the keyed blake3 of
// the content and the nonce keeps every Put its own object, so deleting
// one reference never affects another upload of the same bytes.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FS{root: root}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (s *FS) Put(ctx context.Context, namespace, mediaType string, body io.Reader) (string, int64, error) {
	if !namespacePattern.MatchString(namespace) {
		return "", 0, fmt.Errorf("invalid namespace %q", namespace)
	}
	dir := filepath.Join(s.root, namespace)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, fmt.Errorf("create namespace dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	hasher, err := blake3.NewKeyed(objectDomainKey[:])
	if err != nil {
		_ = tmp.Close()
		return "", 0, err
	}
	n, err := io.Copy(io.MultiWriter(tmp, hasher), ctxReader{ctx: ctx, r: body})
	if err != nil {
		_ = tmp.Close()
		return "", 0, fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", 0, fmt.Errorf("sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close object: %w", err)
	}

	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", 0, fmt.Errorf("object nonce: %w", err)
	}
	name := hex.EncodeToString(hasher.Sum(nil)) + "." + hex.EncodeToString(nonce[:])
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return "", 0, fmt.Errorf("commit object: %w", err)
	}
	ref := refPrefix + namespace + "/" + name
	log.Debug().
		Str("module", "blobstore").
		Str("ref", ref).
		Str("media_type", mediaType).
		Int64("size", n).
		Msg("object stored")
	return ref, n, nil
}

func (s *FS) path(ref string) (string, error) {
	rest, ok := strings.CutPrefix(ref, refPrefix)
	if !ok {
		return "", ErrBadRef
	}
	namespace, name, ok := strings.Cut(rest, "/")
	if !ok || !namespacePattern.MatchString(namespace) {
		return "", ErrBadRef
	}
	digest, nonce, ok := strings.Cut(name, ".")
	if !ok || len(digest) != 64 || len(nonce) != 16 {
		return "", ErrBadRef
	}
	if _, err := hex.DecodeString(digest + nonce); err != nil {
		return "", ErrBadRef
	}
	return filepath.Join(s.root, namespace, name), nil
}

func (s *FS) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	p, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Delete removes the object. Deleting a missing object is not an error.
func (s *FS) Delete(_ context.Context, ref string) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

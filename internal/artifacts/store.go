// Package artifacts implements the core's client for the Artifact Store
// contract in spec.md §6: `upload(type, bytes, metadata) → uri`, an opaque
// URI the core stores verbatim against a task via Registry.AddArtifact.
// The Artifact Store itself is an out-of-scope external collaborator
// (spec.md §1); this package owns only the client side of that contract,
// plus a filesystem-backed implementation for environments that have not
// wired a real blob service.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/necrocode/necrocode/internal/ncerrors"
	"github.com/necrocode/necrocode/internal/registry"
)

// Store is the capability the Agent Runner depends on to persist a task's
// diff, execution log, and test result (spec.md §4.4 stage 7). Core code
// never depends on a concrete blob service, only this interface.
type Store interface {
	Upload(ctx context.Context, typ registry.ArtifactType, data []byte, metadata registry.Metadata) (uri string, err error)
}

// LocalStore writes artifacts under a root directory and returns file://
// URIs, for direct-process execution environments that have not configured
// a remote Artifact Store.
type LocalStore struct {
	Root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create root: %w", err)
	}
	return &LocalStore{Root: root}, nil
}

func (s *LocalStore) Upload(ctx context.Context, typ registry.ArtifactType, data []byte, metadata registry.Metadata) (string, error) {
	const op = "artifacts.LocalStore.Upload"
	sum := sha256.Sum256(data)
	name := fmt.Sprintf("%s-%s-%d", typ, hex.EncodeToString(sum[:8]), time.Now().UnixNano())
	path := filepath.Join(s.Root, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", ncerrors.Wrap(ncerrors.Integrity, op, err)
	}
	return "file://" + path, nil
}

// HTTPStore uploads to a remote Artifact Store endpoint that accepts a
// multipart-free raw POST and responds with a JSON body `{"uri": "..."}`.
type HTTPStore struct {
	Endpoint   string
	httpClient *http.Client
}

func NewHTTPStore(endpoint string) *HTTPStore {
	return &HTTPStore{Endpoint: endpoint, httpClient: &http.Client{Timeout: 2 * time.Minute}}
}

func (s *HTTPStore) Upload(ctx context.Context, typ registry.ArtifactType, data []byte, metadata registry.Metadata) (string, error) {
	const op = "artifacts.HTTPStore.Upload"
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return "", ncerrors.Wrap(ncerrors.Validation, op, err)
	}
	q := u.Query()
	q.Set("type", string(typ))
	u.RawQuery = q.Encode()

	req, err := httpRequest(ctx, u.String(), data)
	if err != nil {
		return "", ncerrors.Wrap(ncerrors.Validation, op, err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", ncerrors.Wrap(ncerrors.ExternalTransient, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "", ncerrors.Wrap(ncerrors.ExternalTransient, op, fmt.Errorf("artifact store status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", ncerrors.Wrap(ncerrors.ExternalPermanent, op, fmt.Errorf("artifact store status %d", resp.StatusCode))
	}
	return decodeURI(resp)
}

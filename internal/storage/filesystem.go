package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"shopimage/internal/domain"
)

// ErrInvalidSignature is returned by Verify for tampered or expired links.
var ErrInvalidSignature = errors.New("storage: invalid or expired signature")

// FileStore persists assets onto the local filesystem. It is intended for
// development and test environments where an object storage service is not
// available. Signed URLs point at the API's static handler and carry an
// HMAC over the key and expiry.
type FileStore struct {
	basePath   string
	baseURL    string
	signingKey []byte
	now        func() time.Time
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath, baseURL, signingKey string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if strings.TrimSpace(signingKey) == "" {
		return nil, errors.New("storage: signing key is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{
		basePath:   basePath,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		signingKey: []byte(signingKey),
		now:        time.Now,
	}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// Upload writes data at the cleaned key.
func (s *FileStore) Upload(ctx context.Context, key string, data []byte, contentType string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", domain.ErrStoreRejected, err)
	}
	fullPath := s.fullPath(cleanKey)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return Receipt{}, fmt.Errorf("%w: ensure directory: %v", domain.ErrStoreUnavailable, err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Receipt{}, fmt.Errorf("%w: write file: %v", domain.ErrStoreUnavailable, err)
	}
	sum := sha256.Sum256(data)
	return Receipt{
		Path:        cleanKey,
		Size:        int64(len(data)),
		ETag:        hex.EncodeToString(sum[:8]),
		ContentType: contentType,
	}, nil
}

// SignedURL returns a time-limited link served by the static handler.
func (s *FileStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", domain.ErrNotFound
	}
	if _, err := os.Stat(s.fullPath(cleanKey)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("%w: stat: %v", domain.ErrStoreUnavailable, err)
	}
	expires := strconv.FormatInt(s.now().Add(ttl).Unix(), 10)
	q := url.Values{}
	q.Set("expires", expires)
	q.Set("sig", s.sign(cleanKey, expires))
	return s.baseURL + "/" + cleanKey + "?" + q.Encode(), nil
}

// Verify checks a signature produced by SignedURL.
func (s *FileStore) Verify(key, expires, sig string) error {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return ErrInvalidSignature
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || s.now().Unix() > exp {
		return ErrInvalidSignature
	}
	want := s.sign(cleanKey, expires)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

// Open returns the stored file for key.
func (s *FileStore) Open(key string) (*os.File, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	f, err := os.Open(s.fullPath(cleanKey))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (s *FileStore) fullPath(cleanKey string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
}

func (s *FileStore) sign(key, expires string) string {
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}

var _ Gateway = (*FileStore)(nil)

package storage

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Gateway is the object store used for job inputs and outputs.
//
// Upload fails with domain.ErrStoreUnavailable when the store could not be
// reached and domain.ErrStoreRejected when it refused the object. SignedURL
// fails with domain.ErrNotFound when no object exists at path.
type Gateway interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (Receipt, error)
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// Receipt describes a stored object.
type Receipt struct {
	Path        string
	Size        int64
	ETag        string
	ContentType string
}

// ProcessedPath returns a fresh key for a job output owned by merchantID.
func ProcessedPath(merchantID, ext string) string {
	return objectPath(merchantID, "processed", ext)
}

// UploadPath returns a fresh key for a merchant-supplied input.
func UploadPath(merchantID, ext string) string {
	return objectPath(merchantID, "upload", ext)
}

func objectPath(merchantID, folder, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" {
		ext = "png"
	}
	return fmt.Sprintf("%s/%s/%s.%s", strings.Trim(merchantID, "/"), folder, uuid.NewString(), ext)
}

// BelongsTo reports whether key lives under merchantID's prefix.
func BelongsTo(key, merchantID string) bool {
	clean, err := sanitizeKey(key)
	if err != nil || merchantID == "" {
		return false
	}
	return strings.HasPrefix(clean, strings.Trim(merchantID, "/")+"/")
}

// ExtensionFor picks a file extension from a content type, falling back to
// the extension found in rawURL and finally to png.
func ExtensionFor(contentType, rawURL string) string {
	if ct, _, err := mime.ParseMediaType(contentType); err == nil {
		switch ct {
		case "image/png":
			return "png"
		case "image/jpeg":
			return "jpg"
		case "image/webp":
			return "webp"
		case "image/gif":
			return "gif"
		}
	}
	u := rawURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if ext := strings.TrimPrefix(path.Ext(u), "."); ext != "" && len(ext) <= 5 {
		return strings.ToLower(ext)
	}
	return "png"
}

// ContentTypeFor maps an extension to its image content type.
func ContentTypeFor(ext string) string {
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	case "png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

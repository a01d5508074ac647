package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"shopimage/internal/storage"
)

const defaultMaxUploadBytes = 20 << 20

// Upload stores the raw request body as a merchant input asset and returns
// the key to pass as input_asset.
func (a *App) Upload(w http.ResponseWriter, r *http.Request) {
	merchantID := a.currentMerchantID(r)
	if merchantID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing merchant context")
		return
	}
	contentType := strings.TrimSpace(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, "image/") {
		a.error(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "image content type required")
		return
	}
	limit := a.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, "too_large", "upload exceeds size limit")
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", "failed to read upload")
		return
	}
	if len(data) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "empty upload")
		return
	}
	ext := storage.ExtensionFor(contentType, "")
	receipt, err := a.Store.Upload(r.Context(), storage.UploadPath(merchantID, ext), data, storage.ContentTypeFor(ext))
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, map[string]any{
		"input_asset":  receipt.Path,
		"size":         receipt.Size,
		"content_type": receipt.ContentType,
	})
}

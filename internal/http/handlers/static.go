package handlers

import (
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"shopimage/internal/domain"
	"shopimage/internal/storage"
)

// Static serves FileStore objects addressed by a signed URL.
func (a *App) Static(w http.ResponseWriter, r *http.Request) {
	if a.Files == nil {
		http.NotFound(w, r)
		return
	}
	key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	q := r.URL.Query()
	if err := a.Files.Verify(key, q.Get("expires"), q.Get("sig")); err != nil {
		a.error(w, http.StatusForbidden, "forbidden", "invalid or expired link")
		return
	}
	f, err := a.Files.Open(key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		a.domainError(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", storage.ContentTypeFor(path.Ext(key)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}


// Package staticfiles implements the static file handler. Path
// resolution and the traversal defense here are stricter than
// Caddy's http.Dir-based jailing, but ETag computation, index-file
// handling, and range/conditional-GET semantics are adapted directly
// from Caddy's caddyhttp/staticfiles/fileserver.go, which
// delegates range and If-None-Match handling to the standard
// library's http.ServeContent rather than hand-rolling either.
package staticfiles

import (
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/benliao/bws/internal/bwserrors"
	"github.com/benliao/bws/internal/bwslog"
)

// indexFiles lists the filenames tried, in order, for a directory
// request.
var indexFiles = []string{"index.html"}

// Handler serves files rooted at Root for one Site. A Handler is
// immutable once built; a config reload builds a new Handler for the
// new Site rather than mutating an existing one.
type Handler struct {
	Root            string
	ResponseHeaders [][2]string
	log             *zap.Logger
}

// New builds a Handler for a site's static_root, which must already
// be an absolute, cleaned path (bwsconfig.Load resolves it).
func New(root string, responseHeaders [][2]string) *Handler {
	return &Handler{Root: root, ResponseHeaders: responseHeaders, log: bwslog.Named("staticfiles")}
}

// ServeHTTP resolves r.URL.Path under h.Root and serves it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resolved, status, err := h.resolve(r.URL.Path)
	if err != nil {
		h.log.Debug("static path rejected", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, statusText(status), status)
		return
	}

	f, err := os.Open(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		if os.IsPermission(err) {
			http.Error(w, statusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		http.Error(w, statusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, statusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if info.IsDir() {
		http.NotFound(w, r)
		return
	}

	for _, kv := range h.ResponseHeaders {
		if isProtectedHeader(kv[0]) {
			continue
		}
		w.Header().Set(kv[0], kv[1])
	}

	w.Header().Set("Content-Type", mimeType(resolved))
	w.Header().Set("ETag", calculateETag(info))

	// http.ServeContent, exactly as Caddy's fileserver does,
	// implements Range (single bytes=start-end/start-/-suffix form),
	// 416 on an unsatisfiable range, and If-None-Match/If-Modified-Since
	// conditional GET against the ETag/Last-Modified we've already set.
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)

	h.log.Debug("served static file",
		zap.String("path", resolved),
		zap.String("size", humanize.Bytes(uint64(info.Size()))))
}

// resolve decodes the request path once, rejects NUL bytes and ".."
// components, joins and canonicalizes it against Root, and requires
// Root as a prefix of the result. It does not follow symlinks
// (filepath.EvalSymlinks would); the raw joined path is used instead.
func (h *Handler) resolve(reqPath string) (string, int, error) {
	decoded, err := url.PathUnescape(reqPath)
	if err != nil {
		return "", http.StatusForbidden, bwserrors.New(bwserrors.KindPathTraversal, "undecodable path")
	}
	if strings.ContainsRune(decoded, 0) {
		return "", http.StatusForbidden, bwserrors.New(bwserrors.KindPathTraversal, "NUL byte in path")
	}

	for _, part := range strings.Split(decoded, "/") {
		if part == ".." {
			return "", http.StatusForbidden, bwserrors.New(bwserrors.KindPathTraversal, "path escapes root")
		}
	}
	clean := path.Clean("/" + decoded)

	joined := filepath.Join(h.Root, filepath.FromSlash(clean))
	if joined != h.Root && !strings.HasPrefix(joined, h.Root+string(filepath.Separator)) {
		return "", http.StatusForbidden, bwserrors.New(bwserrors.KindPathTraversal, "resolved path escapes root")
	}

	if info, err := os.Stat(joined); err == nil && info.IsDir() {
		for _, idx := range indexFiles {
			candidate := filepath.Join(joined, idx)
			if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
				return candidate, http.StatusOK, nil
			}
		}
		return "", http.StatusNotFound, bwserrors.New(bwserrors.KindNotFound, "no index file in directory")
	}

	return joined, http.StatusOK, nil
}

func isProtectedHeader(name string) bool {
	switch strings.ToLower(name) {
	case "content-length", "transfer-encoding":
		return true
	default:
		return false
	}
}

func statusText(status int) string {
	switch status {
	case http.StatusForbidden:
		return "403 forbidden"
	case http.StatusNotFound:
		return "404 not found"
	default:
		return strconv.Itoa(status)
	}
}

// calculateETag follows Caddy's strong-but-cheap ETag: base-36
// mtime+size, not a content hash.
func calculateETag(info os.FileInfo) string {
	t := strconv.FormatInt(info.ModTime().Unix(), 36)
	s := strconv.FormatInt(info.Size(), 36)
	return `"` + t + s + `"`
}

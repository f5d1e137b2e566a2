package staticfiles

import "strings"

// mimeTable is a fixed extension table. Neither net/http's
// sniff-based DetectContentType nor the OS mime registry is used
// here: a fixed table keeps the Content-Type for a given file
// deterministic across hosts.
var mimeTable = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".json": "application/json",
	".wasm": "application/wasm",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".txt":  "text/plain; charset=utf-8",
	".xml":  "application/xml",
	".pdf":  "application/pdf",
	".woff": "font/woff",
	".woff2": "font/woff2",
}

const defaultMIMEType = "application/octet-stream"

// mimeType looks up the extension of path in the fixed table.
func mimeType(path string) string {
	ext := strings.ToLower(extOf(path))
	if ct, ok := mimeTable[ext]; ok {
		return ct
	}
	return defaultMIMEType
}

func extOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
		if path[i] == '/' || path[i] == '\\' {
			break
		}
	}
	return ""
}

package content

import (
	"bytes"
	"encoding/json"
	"path"
	"strings"
)

const (
	MediaTypeText   = "text/plain"
	MediaTypeHTML   = "text/html"
	MediaTypeJSON   = "application/json"
	MediaTypeBinary = "application/octet-stream"
)

var extensionTypes = map[string]string{
	".html": MediaTypeHTML,
	".htm":  MediaTypeHTML,
	".md":   "text/markdown",
	".json": MediaTypeJSON,
	".xml":  "application/xml",
	".css":  "text/css",
	".js":   "application/javascript",
	".txt":  MediaTypeText,
	".csv":  "text/csv",
	".svg":  "image/svg+xml",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
}

// DetectMediaType infers a media type from the filename extension, then
// from the payload itself, and falls back to text/plain.
func DetectMediaType(payload []byte, filename string) string {
	if ext := strings.ToLower(path.Ext(filename)); ext != "" {
		if t, ok := extensionTypes[ext]; ok {
			return t
		}
	}

	trimmed := bytes.TrimSpace(payload)
	head := trimmed
	if len(head) > 512 {
		head = head[:512]
	}
	lower := bytes.ToLower(head)
	if bytes.HasPrefix(lower, []byte("<!doctype html")) || bytes.Contains(lower, []byte("<html")) {
		return MediaTypeHTML
	}
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		return MediaTypeJSON
	}
	return MediaTypeText
}

// DefaultEncoding returns encoding, or utf-8 for text media types when
// encoding is empty.
func DefaultEncoding(mediaType, encoding string) string {
	if encoding == "" && strings.HasPrefix(mediaType, "text/") {
		return "utf-8"
	}
	return encoding
}

// CountWords counts whitespace-separated words.
func CountWords(payload []byte) int {
	return len(bytes.Fields(payload))
}

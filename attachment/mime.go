package attachment

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// OctetStream is returned when no better type is known.
const OctetStream = "application/octet-stream"

var extensionTypes = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// DetectMimeType derives a MIME type from the filename extension.
func DetectMimeType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return normalize(t)
	}
	return OctetStream
}

// DetectFromContent derives a MIME type from the extension, falling back to
// sniffing data when the extension is unknown.
func DetectFromContent(filename string, data []byte) string {
	if t := DetectMimeType(filename); t != OctetStream {
		return t
	}
	if len(data) == 0 {
		return OctetStream
	}
	return normalize(mimetype.Detect(data).String())
}

// normalize lowercases t and drops parameters such as charset.
func normalize(t string) string {
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return strings.ToLower(strings.TrimSpace(t))
}

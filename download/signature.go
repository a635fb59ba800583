package download

import (
	"bytes"
	"path"
	"strings"
)

// signatures maps file types to their leading magic-number bytes. Several
// extensions share one container signature (zip for docx/xlsx, the OLE
// compound header for legacy doc/xls).
var signatures = map[string][]byte{
	"pdf":  {0x25, 0x50, 0x44, 0x46},
	"zip":  {0x50, 0x4B, 0x03, 0x04},
	"docx": {0x50, 0x4B, 0x03, 0x04},
	"xlsx": {0x50, 0x4B, 0x03, 0x04},
	"doc":  {0xD0, 0xCF, 0x11, 0xE0},
	"xls":  {0xD0, 0xCF, 0x11, 0xE0},
	"png":  {0x89, 0x50, 0x4E, 0x47},
	"jpg":  {0xFF, 0xD8, 0xFF},
	"jpeg": {0xFF, 0xD8, 0xFF},
	"gif":  {0x47, 0x49, 0x46, 0x38},
}

// htmlMarkers identify disguised error pages regardless of declared type.
var htmlMarkers = [][]byte{
	[]byte("<!doctype"),
	[]byte("<html"),
	[]byte("<?xml"),
}

// matchesSignature reports whether data starts with the magic number of
// the given type. Unknown types match nothing.
func matchesSignature(data []byte, fileType string) bool {
	sig, ok := signatures[fileType]
	if !ok {
		return false
	}
	return bytes.HasPrefix(data, sig)
}

// detectType returns the first known type whose signature matches, or "".
// Detection order is fixed so shared signatures resolve deterministically.
var detectOrder = []string{"pdf", "zip", "doc", "png", "jpg", "gif"}

func detectType(data []byte) string {
	for _, t := range detectOrder {
		if bytes.HasPrefix(data, signatures[t]) {
			return t
		}
	}
	return ""
}

// looksLikeHTML inspects the first 100 bytes for HTML/XML markers.
func looksLikeHTML(data []byte) bool {
	head := data
	if len(head) > 100 {
		head = head[:100]
	}
	head = bytes.ToLower(head)
	for _, m := range htmlMarkers {
		if bytes.Contains(head, m) {
			return true
		}
	}
	return false
}

// inferType derives a file type from the URL path extension. Default pdf.
func inferType(fileURL string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(urlPath(fileURL)), "."))
	if ext == "" {
		return "pdf"
	}
	if _, ok := signatures[ext]; ok {
		return ext
	}
	return "pdf"
}

func urlPath(fileURL string) string {
	s := fileURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[i:]
	}
	return ""
}

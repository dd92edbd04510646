package media

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.mau.fi/util/exmime"
)

// Detect sniffs the MIME type of data, without parameters.
func Detect(data []byte) string {
	detected, _, _ := strings.Cut(mimetype.Detect(data).String(), ";")
	return detected
}

// Extension returns the file extension (with the dot) for a MIME type.
func Extension(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	if ext := exmime.ExtensionFromMimetype(strings.TrimSpace(base)); ext != "" {
		return ext
	}
	return ".bin"
}

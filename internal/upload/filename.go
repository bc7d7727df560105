package upload

import (
	"mime"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// SafeFilename normalizes name to canonical Unicode form (NFC) and
// rejects anything that could traverse outside an upload root: parent
// segments, absolute prefixes (unix or windows style), and control
// characters. Returns the normalized name.
func SafeFilename(name string) (string, *Rejection) {
	if name == "" {
		return "", nil
	}
	// canonicalize before checking: "..A" and friends must not
	// dodge the segment comparison
	name = norm.NFC.String(name)

	if strings.ContainsAny(name, "\x00\r\n") {
		return "", reject(ReasonFilenameUnsafe, "", "control characters in filename")
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return "", reject(ReasonFilenameUnsafe, "", "absolute path prefix")
	}
	if len(name) >= 2 && name[1] == ':' {
		return "", reject(ReasonFilenameUnsafe, "", "drive-letter prefix")
	}
	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", reject(ReasonFilenameUnsafe, "", "parent-directory segment")
		}
	}
	// collapse to a clean relative path for downstream use
	cleaned := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || path.IsAbs(cleaned) {
		return "", reject(ReasonFilenameUnsafe, "", "escapes upload root after cleaning")
	}
	return name, nil
}

// FilenameFromDisposition extracts the filename from a
// Content-Disposition header value, honoring the extended-parameter
// syntax (filename*) the same way as the plain parameter. The result
// passes through SafeFilename.
func FilenameFromDisposition(disposition string) (string, *Rejection) {
	if disposition == "" {
		return "", nil
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return "", reject(ReasonInvalidEncoding, "", "unparseable content-disposition")
	}
	// ParseMediaType decodes RFC 5987 filename* into "filename"
	return SafeFilename(params["filename"])
}

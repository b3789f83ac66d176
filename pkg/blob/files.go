package blob

import (
	"errors"
	"path"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Upload limits.
const (
	MaxUploadBytes   = 20 << 20
	MaxFilenameBytes = 255
	DefaultFilename  = "uploaded_file"
)

// ErrDangerousType is returned for executable or script uploads.
var ErrDangerousType = errors.New("file type not allowed")

var dangerousContentTypes = []string{
	"application/x-msdownload",
	"application/x-executable",
	"application/x-sharedlib",
	"application/x-msdos-program",
	"application/vnd.microsoft.portable-executable",
	"text/x-script.python",
	"application/x-python-code",
	"text/x-shellscript",
	"application/javascript",
	"text/javascript",
}

var dangerousExtensions = []string{
	".exe", ".bat", ".cmd", ".com", ".pif", ".scr", ".vbs", ".js", ".jar",
	".sh", ".py", ".pl", ".php", ".asp", ".aspx", ".jsp",
}

var (
	unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}_\-.]`)
	repeatedSep = regexp.MustCompile(`[_.]{2,}`)
	stripMarks  = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
)

// ValidateFileType rejects executable and script content types and extensions.
func ValidateFileType(contentType, filename string) error {
	mediaType, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), ";")
	if slices.Contains(dangerousContentTypes, strings.TrimSpace(mediaType)) {
		return ErrDangerousType
	}
	if slices.Contains(dangerousExtensions, strings.ToLower(path.Ext(filename))) {
		return ErrDangerousType
	}
	return nil
}

// SanitizeFilename makes filename safe to use in an object key.
func SanitizeFilename(filename string) string {
	name, _, err := transform.String(stripMarks, filename)
	if err != nil {
		name = filename
	}
	name = unsafeChars.ReplaceAllString(name, "_")
	name = repeatedSep.ReplaceAllString(name, "_")
	if name == "" || strings.HasPrefix(name, ".") {
		name = DefaultFilename + name
	}
	if len(name) > MaxFilenameBytes {
		ext := path.Ext(name)
		if len(ext) > MaxFilenameBytes-5 {
			ext = ""
		}
		name = truncateBytes(name[:len(name)-len(ext)], MaxFilenameBytes-len(ext)) + ext
	}
	return name
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// ObjectKey places a file under its session, or under its owner when the
// upload is not tied to a session.
func ObjectKey(sessionID, userID, fileID, filename string) string {
	prefix := sessionID
	if prefix == "" {
		prefix = "user-" + userID
	}
	return prefix + "/" + fileID + "-" + filename
}

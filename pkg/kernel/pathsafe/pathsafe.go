// Package pathsafe guards every filesystem path corpusvet derives from
// external input: target ids, download file names, archive entries.
package pathsafe

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// EnsureUnderRoot resolves path and rejects anything that escapes root.
// Returns the cleaned absolute path on success.
func EnsureUnderRoot(path, root string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %s: %w", root, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", path, err)
	}
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes root %s", path, root)
	}
	return abs, nil
}

// reserved Windows device names; rejected regardless of platform so outputs
// stay portable.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

const maxFilenameLen = 200

// SanitizeFilename normalizes a candidate file name: NFKC Unicode
// normalization, directory separators and control bytes stripped, reserved
// device names prefixed, length truncated preserving the extension.
func SanitizeFilename(name string) string {
	name = norm.NFKC.String(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == 0:
			b.WriteRune('_')
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	name = strings.Trim(b.String(), " .")
	if name == "" {
		return "_"
	}

	base := name
	if i := strings.IndexByte(name, '.'); i > 0 {
		base = name[:i]
	}
	if reservedNames[strings.ToLower(base)] {
		name = "_" + name
	}

	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > 32 {
			ext = ext[:32]
		}
		name = name[:maxFilenameLen-len(ext)] + ext
	}
	return name
}

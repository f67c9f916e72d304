package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxFilenameRunes = 200
	fallbackStem     = "document"
)

var (
	unsafeChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	underscores = regexp.MustCompile(`_+`)
)

// Sanitize makes s safe for use as a file name. The result is cut to 200
// characters on a rune boundary.
func Sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, " ", "_")
	s = underscores.ReplaceAllString(s, "_")
	if utf8.RuneCountInString(s) > maxFilenameRunes {
		s = string([]rune(s)[:maxFilenameRunes])
	}
	return strings.Trim(s, "_")
}

// Filename returns the file name for a document of a case. Identifiers that
// sanitize to nothing get a fixed stem instead of a hidden ".pdf".
func Filename(caseNumber, entryNumber string) string {
	stem := Sanitize(caseNumber + "_" + entryNumber)
	if stem == "" {
		stem = fallbackStem
	}
	return stem + ".pdf"
}

// WriteAtomic writes data to dir/name through a temp file in the same
// directory and a rename, so readers never observe a partial file. An
// existing file with the same name is replaced.
func WriteAtomic(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".tmp.*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	finalPath := filepath.Join(dir, name)
	if err := os.Rename(tmpName, finalPath); err != nil {
		return "", fmt.Errorf("rename capture file: %w", err)
	}
	return finalPath, nil
}

package objectstore

import (
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

const maxMetadataValueLength = 500

// ObjectKey derives the storage key for a new upload. Keys are grouped under
// a campaign segment (falling back to "uncategorized") and prefixed with a
// millisecond timestamp so repeated uploads of the same file never collide.
func ObjectKey(campaignID, fileName string, now time.Time) string {
	segment := strings.TrimSpace(campaignID)
	if segment == "" {
		segment = "uncategorized"
	} else {
		segment = SanitizeFileName(segment)
	}
	return fmt.Sprintf("uploads/%s/%d-%s", segment, now.UnixMilli(), SanitizeFileName(fileName))
}

// SanitizeFileName replaces every character outside [a-zA-Z0-9.-] with an
// underscore so derived keys stay URL and signature safe.
func SanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(name))
}

// TitleFromFileName derives a display title by stripping the file extension,
// keeping the raw name when it has no extension.
func TitleFromFileName(fileName string) string {
	trimmed := strings.TrimSpace(fileName)
	ext := path.Ext(trimmed)
	if ext == "" || ext == trimmed {
		return trimmed
	}
	return strings.TrimSuffix(trimmed, ext)
}

var metadataSanitizer = runes.Remove(runes.Predicate(func(r rune) bool {
	if r == '\n' || r == '\t' {
		return false
	}
	return !unicode.IsPrint(r)
}))

// SanitizeMetadataValue strips unprintable runes from caller-supplied metadata
// and clamps it to a bounded length before it reaches storage or logs.
func SanitizeMetadataValue(value string) string {
	cleaned, _, err := transform.String(metadataSanitizer, value)
	if err != nil {
		cleaned = value
	}
	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) > maxMetadataValueLength {
		cleaned = cleaned[:maxMetadataValueLength]
	}
	return cleaned
}

// SanitizeMetadata applies SanitizeMetadataValue across a metadata map,
// dropping entries whose keys or values sanitize to empty.
func SanitizeMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	cleaned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		k := SanitizeMetadataValue(key)
		v := SanitizeMetadataValue(value)
		if k == "" || v == "" {
			continue
		}
		cleaned[k] = v
	}
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}

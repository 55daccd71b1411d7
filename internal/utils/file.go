package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// uploadExts are the extensions accepted for uploaded or command-line images
var uploadExts = []string{"jpg", "jpeg", "png", "webp"}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the lowercase file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsImageFile reports whether filename has an extension the detector accepts
func IsImageFile(filename string) bool {
	ext := GetFileExtension(filename)
	for _, imgExt := range uploadExts {
		if ext == imgExt {
			return true
		}
	}
	return false
}

// GenerateOutputFilename builds outputDir/<prefix><name>.<format>. name may be
// a path; only its base without extension is used. An empty format falls back
// to the extension of name, then to jpg.
func GenerateOutputFilename(name, outputDir, prefix, format string) string {
	base := filepath.Base(name)
	stem := SanitizeFilename(strings.TrimSuffix(base, filepath.Ext(base)))
	if stem == "" {
		stem = "image"
	}

	format = strings.TrimPrefix(strings.ToLower(format), ".")
	if format == "" {
		format = GetFileExtension(name)
		if format == "" {
			format = "jpg"
		}
	}

	return filepath.Join(outputDir, fmt.Sprintf("%s%s.%s", prefix, stem, format))
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// SanitizeFilename replaces characters that are invalid in filenames
func SanitizeFilename(filename string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|", " "}
	result := filename

	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}

	return strings.Trim(result, "_.")
}

// FormatFileSize formats file size in human-readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}

	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

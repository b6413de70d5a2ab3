package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// OutputKey returns the storage key of the index-th output of a job.
func OutputKey(jobID, mime string, index int) string {
	category := "images"
	prefix := "image"
	if strings.HasPrefix(mime, "video/") {
		category = "videos"
		prefix = "video"
	}
	if index < 0 {
		index = 0
	}
	ext := ExtensionForMIME(mime)
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("generated/%s/%s/%s-%02d%s", category, jobID, prefix, index+1, ext)
}

// EnsureExtension appends the MIME extension to key when it has none.
func EnsureExtension(key, mime string) string {
	if key == "" {
		return key
	}
	expected := ExtensionForMIME(mime)
	if expected == "" {
		return key
	}
	if filepath.Ext(key) != "" {
		return key
	}
	return key + expected
}

func ExtensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	default:
		return ""
	}
}

// MIMEForExtension is the inverse of ExtensionForMIME for stored keys.
func MIMEForExtension(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

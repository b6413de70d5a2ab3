package zip

import (
	"archive/zip"
	"bytes"
	"fmt"
	"time"
)

type Asset struct {
	Filename string
	MIME     string
	Data     []byte
	Modified time.Time
}

// ArchiveAssets packs assets into one zip. Duplicate names get a numeric
// suffix so no asset shadows another.
func ArchiveAssets(assets []Asset) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	seen := make(map[string]int, len(assets))
	for _, asset := range assets {
		name := uniqueName(seen, asset.Filename)
		header := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: asset.Modified}
		if isCompressed(asset.MIME) {
			header.Method = zip.Store
		}
		w, err := zw.CreateHeader(header)
		if err != nil {
			return nil, fmt.Errorf("zip %s: %w", name, err)
		}
		if _, err := w.Write(asset.Data); err != nil {
			return nil, fmt.Errorf("zip %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func uniqueName(seen map[string]int, name string) string {
	if name == "" {
		name = "asset"
	}
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%d-%s", n, name)
}

// Images and videos are already compressed.
func isCompressed(mime string) bool {
	switch {
	case len(mime) >= 6 && mime[:6] == "image/":
		return mime != "image/svg+xml"
	case len(mime) >= 6 && mime[:6] == "video/":
		return true
	}
	return false
}

package whatsapp

import (
	"context"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/clawdis/clawdis/internal/channels/utils"
)

// readMedia loads an outbound media item from disk or over HTTP.
func readMedia(ctx context.Context, item string) ([]byte, error) {
	if strings.HasPrefix(item, "http://") || strings.HasPrefix(item, "https://") {
		return utils.DownloadURL(ctx, item, utils.DefaultDownloadOptions())
	}
	return os.ReadFile(item)
}

// mimeOf guesses the content type from the file extension.
func mimeOf(item string) string {
	ext := strings.ToLower(filepath.Ext(stripQuery(item)))
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			return t[:i]
		}
		return t
	}
	return "application/octet-stream"
}

// extForMime picks a spool-file extension for a platform mimetype.
func extForMime(mimeType, fallback string) string {
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return fallback
}

func stripQuery(item string) string {
	if i := strings.IndexByte(item, '?'); i >= 0 {
		return item[:i]
	}
	return item
}

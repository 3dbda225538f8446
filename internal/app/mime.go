package app

import (
	"log/slog"
	"mime"
)

// staticTypes covers the asset extensions served from web/static, which minimal
// containers often lack in /etc/mime.types.
var staticTypes = map[string]string{
	".css":   "text/css; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".svg":   "image/svg+xml",
	".webp":  "image/webp",
	".woff2": "font/woff2",
}

func init() {
	for ext, typ := range staticTypes {
		ensureMimeType(ext, typ)
	}
}

func ensureMimeType(ext, typ string) {
	if mime.TypeByExtension(ext) != "" {
		return
	}
	if err := mime.AddExtensionType(ext, typ); err != nil {
		slog.Default().Warn("register mime type", slog.String("ext", ext), slog.Any("error", err))
	}
}

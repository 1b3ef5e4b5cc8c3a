package webserver

import (
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const defaultContentType = "application/octet-stream"

// 拡張子 -> MIMEタイプ
var defaultMimeTypes = map[string]string{
	"7z":      "application/x-7z-compressed",
	"atom":    "application/atom+xml",
	"bin":     "application/octet-stream",
	"bmp":     "image/x-ms-bmp",
	"css":     "text/css; charset=utf-8",
	"csv":     "text/csv; charset=utf-8",
	"geojson": "application/geo+json",
	"gif":     "image/gif",
	"gz":      "application/gzip",
	"htm":     "text/html; charset=utf-8",
	"html":    "text/html; charset=utf-8",
	"ico":     "image/x-icon",
	"jpeg":    "image/jpeg",
	"jpg":     "image/jpeg",
	"js":      "text/javascript; charset=utf-8",
	"json":    "application/json",
	"map":     "application/json",
	"md":      "text/markdown; charset=utf-8",
	"mjs":     "text/javascript; charset=utf-8",
	"mp3":     "audio/mpeg",
	"mp4":     "video/mp4",
	"otf":     "font/otf",
	"pdf":     "application/pdf",
	"png":     "image/png",
	"svg":     "image/svg+xml",
	"tar":     "application/x-tar",
	"ttf":     "font/ttf",
	"txt":     "text/plain; charset=utf-8",
	"wasm":    "application/wasm",
	"webm":    "video/webm",
	"webp":    "image/webp",
	"woff":    "font/woff",
	"woff2":   "font/woff2",
	"xml":     "text/xml; charset=utf-8",
	"zip":     "application/zip",
}

// contentType は拡張子から Content-Type を決める
// 拡張子のないリソースは中身から推定し、未知の拡張子は application/octet-stream
func contentType(p string, data []byte) string {
	ext := path.Ext(p)
	if ext == "" {
		return mimetype.Detect(data).String()
	}
	if t, ok := defaultMimeTypes[strings.ToLower(ext[1:])]; ok {
		return t
	}
	return defaultContentType
}

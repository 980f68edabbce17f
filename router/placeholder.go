package router

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/swaccha-ap/offline-edge/cachestore"
)

const offlineSVG = `<svg width="100%" height="100%" viewBox="0 0 100 100" xmlns="http://www.w3.org/2000/svg">` +
	`<rect width="100%" height="100%" fill="#F2C94C" />` +
	`<text x="50%" y="50%" font-family="sans-serif" font-size="12" text-anchor="middle" fill="#2D5E40">` +
	`Offline` +
	`</text>` +
	`</svg>`

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".svg":  true,
}

func isImage(u *url.URL) bool {
	return imageExts[strings.ToLower(path.Ext(u.Path))]
}

// offlineImage is served for image requests that miss the cache while the
// network is down.
func offlineImage(req *http.Request) *http.Response {
	r := &cachestore.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"image/svg+xml"}},
		Body:   []byte(offlineSVG),
	}
	return r.HTTPResponse(req)
}

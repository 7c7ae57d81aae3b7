package rest_raster

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/GrainArc/RestRaster/Transformer"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRfake-image-payload")

const servicePath = "/arcgis/rest/services/Test/MapServer/"

// fakeServer 记录所有请求的REST服务替身
type fakeServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits []*url.URL
}

func newFakeServer(t *testing.T, h http.HandlerFunc) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		u := *r.URL
		fs.hits = append(fs.hits, &u)
		fs.mu.Unlock()
		h(w, r)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) baseURL() string {
	return fs.URL + servicePath + "export?"
}

func (fs *fakeServer) requests() []*url.URL {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]*url.URL(nil), fs.hits...)
}

// count 统计满足条件的请求数
func (fs *fakeServer) count(pred func(*url.URL) bool) int {
	n := 0
	for _, u := range fs.requests() {
		if pred(u) {
			n++
		}
	}
	return n
}

func isProbe(u *url.URL) bool { return u.Query().Get("f") == "json" }
func isImage(u *url.URL) bool { return u.Query().Get("f") == "image" }
func onExportImage(u *url.URL) bool {
	return strings.HasSuffix(u.Path, "/exportImage")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writePNG(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(pngBytes)
}

func extentDoc(minX, minY, maxX, maxY float64) map[string]any {
	return map[string]any{"xmin": minX, "ymin": minY, "xmax": maxX, "ymax": maxY}
}

func testClient() *Client {
	opts := DefaultClientOptions()
	opts.Timeout = 5 * time.Second
	return NewClient(opts)
}

// newTestFetcher 调用方与服务均为EPSG:4326，边界不做变换
func newTestFetcher(t *testing.T, opts Options, cache MetadataCache) *Fetcher {
	t.Helper()
	log := zaptest.NewLogger(t)
	client := testClient()
	return NewFetcher(
		Transformer.Registry{},
		NewProbe(client, cache, log),
		NewImageFetcher(client, log),
		opts,
		log,
	)
}

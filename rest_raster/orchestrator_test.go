package rest_raster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GrainArc/RestRaster/Transformer"
	"github.com/GrainArc/RestRaster/metrics"
)

var errorDoc = map[string]any{"error": map[string]any{"code": 400, "message": "Invalid size"}}

func parseBBox(v string) (orb.Bound, bool) {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return orb.Bound{}, false
	}
	var n [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return orb.Bound{}, false
		}
		n[i] = f
	}
	return orb.Bound{Min: orb.Point{n[0], n[1]}, Max: orb.Point{n[2], n[3]}}, true
}

// serviceHandler 元数据请求回显bbox为extent并给出href；fail 为真时返回错误文档
func serviceHandler(fail func(q url.Values) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case strings.HasPrefix(r.URL.Path, "/output/"), q.Get("f") == "image":
			writePNG(w)
		case q.Get("f") == "json":
			b, ok := parseBBox(q.Get("bbox"))
			if !ok || (fail != nil && fail(q)) {
				writeJSON(w, errorDoc)
				return
			}
			writeJSON(w, map[string]any{
				"href":   "http://" + r.Host + "/output/" + strings.ReplaceAll(q.Get("size"), ",", "x") + ".png",
				"extent": extentDoc(b.Min[0], b.Min[1], b.Max[0], b.Max[1]),
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

// stateRecorder 记录观察者收到的事件
type stateRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *stateRecorder) observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *stateRecorder) states(index int) []FetchState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []FetchState
	for _, e := range r.events {
		if e.Index == index {
			out = append(out, e.State)
		}
	}
	return out
}

func box(minX, minY, maxX, maxY float64) orb.Bound {
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
}

func newBatch(srv *fakeServer, folder string, boundaries ...orb.Geometry) Batch {
	return Batch{
		URL:        srv.baseURL(),
		Boundaries: boundaries,
		Resolution: 1024,
		SRS:        4326,
		Folder:     folder,
		Prefix:     "r",
		ImageType:  "png32",
		Run:        true,
	}
}

func TestRunSingleBoundary(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(nil))
	folder := t.TempDir()
	rec := &stateRecorder{}
	batch := newBatch(srv, folder, box(0, 0, 100, 50))
	batch.Observer = rec.observe

	res, err := newTestFetcher(t, DefaultOptions(), nil).Run(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.False(t, res.Aborted)

	r := res.Results[0]
	assert.Equal(t, filepath.Join(folder, "r_0.png"), r.FilePath)
	assert.FileExists(t, r.FilePath)
	assert.True(t, r.FrameValid)
	assert.Equal(t, box(0, 0, 100, 50), r.Frame)
	assert.Equal(t, 1024, r.Resolution)
	assert.Equal(t, 1, r.Attempts)
	assert.Empty(t, r.Message)
	assert.Equal(t,
		srv.baseURL()+"bbox=0%2C0%2C100%2C50&bboxSR=4326&size=1024%2C512&imageSR=4326&format=png32&f=image",
		r.Query)

	assert.Equal(t, []FetchState{StateBuilding, StateProbing, StateFetching, StateSucceeded}, rec.states(0))
}

func TestRunLadderRetriesSmaller(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(func(q url.Values) bool {
		return !strings.HasPrefix(q.Get("size"), "1200,")
	}))

	res, err := newTestFetcher(t, DefaultOptions(), nil).Run(context.Background(), newBatch(srv, t.TempDir(), box(0, 0, 100, 50)))
	require.NoError(t, err)
	require.Len(t, res.Results, 1)

	r := res.Results[0]
	assert.True(t, r.Succeeded())
	assert.Equal(t, 1200, r.Resolution)
	assert.Equal(t, 3, r.Attempts)

	var sizes []string
	for _, u := range srv.requests() {
		if isProbe(u) && !onExportImage(u) {
			sizes = append(sizes, u.Query().Get("size"))
		}
	}
	assert.Equal(t, []string{"1024,512", "1700,850", "1200,600"}, sizes)
}

func TestRunLadderExhausted(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(func(url.Values) bool { return true }))
	folder := t.TempDir()
	exhausted := testutil.ToFloat64(metrics.BoundaryOutcomes.WithLabelValues(string(StateExhaustedFailure)))
	lastRung := testutil.ToFloat64(metrics.LadderAttempts.WithLabelValues("2"))

	res, err := newTestFetcher(t, DefaultOptions(), nil).Run(context.Background(), newBatch(srv, folder, box(0, 0, 100, 50)))

	assert.Equal(t, exhausted+1, testutil.ToFloat64(metrics.BoundaryOutcomes.WithLabelValues(string(StateExhaustedFailure))))
	assert.Equal(t, lastRung+1, testutil.ToFloat64(metrics.LadderAttempts.WithLabelValues("2")))

	var abort *BatchAbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, 0, abort.Index)
	assert.ErrorIs(t, err, ErrLadderExhausted)

	require.NotNil(t, res)
	assert.True(t, res.Aborted)
	require.Len(t, res.Results, 1)
	r := res.Results[0]
	assert.Empty(t, r.FilePath)
	assert.False(t, r.FrameValid)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, ErrLadderExhausted.Error(), r.Message)
	assert.Contains(t, r.Query, "exportImage?")
	assert.Contains(t, r.Query, "size=1200%2C600")
	assert.True(t, strings.HasSuffix(r.Query, "&f=image"))

	assert.Equal(t, 6, srv.count(isProbe))
	assert.Zero(t, srv.count(isImage))
	assert.NoFileExists(t, filepath.Join(folder, "r_0.png"))
}

func TestRunAbortsBatchKeepingEarlierResults(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(func(q url.Values) bool {
		return strings.HasPrefix(q.Get("bbox"), "200,")
	}))

	res, err := newTestFetcher(t, DefaultOptions(), nil).Run(context.Background(),
		newBatch(srv, t.TempDir(), box(0, 0, 10, 10), box(100, 0, 110, 10), box(200, 0, 210, 10)))

	var abort *BatchAbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, 2, abort.Index)
	assert.Equal(t, 2, res.AbortIndex)

	require.Len(t, res.Results, 3)
	assert.True(t, res.Results[0].FrameValid)
	assert.True(t, res.Results[1].FrameValid)
	assert.False(t, res.Results[2].FrameValid)
	assert.Equal(t, box(100, 0, 110, 10), res.Results[1].Frame)
}

func TestRunDoesNotStartAfterAbort(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(func(q url.Values) bool {
		return strings.HasPrefix(q.Get("bbox"), "10,")
	}))

	res, err := newTestFetcher(t, DefaultOptions(), nil).Run(context.Background(),
		newBatch(srv, t.TempDir(), box(0, 0, 1, 1), box(10, 0, 11, 1), box(20, 0, 21, 1), box(30, 0, 31, 1)))
	require.Error(t, err)
	require.Len(t, res.Results, 2)

	later := srv.count(func(u *url.URL) bool {
		b := u.Query().Get("bbox")
		return strings.HasPrefix(b, "20,") || strings.HasPrefix(b, "30,")
	})
	assert.Zero(t, later)
}

func TestRunWithoutNetwork(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(nil))
	batch := newBatch(srv, t.TempDir(), box(0, 0, 100, 50), box(0, 0, 50, 100))
	batch.Run = false

	res, err := newTestFetcher(t, DefaultOptions(), nil).Run(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Empty(t, srv.requests())

	for i, r := range res.Results {
		assert.Equal(t, i, r.Index)
		assert.Empty(t, r.FilePath)
		assert.False(t, r.FrameValid)
		assert.Equal(t, 1, r.Attempts)
		assert.True(t, strings.HasSuffix(r.Query, "&f=image"))
	}
	assert.Contains(t, res.Results[1].Query, "size=512%2C1024")
}

func TestRunConcurrentKeepsOrder(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(nil))
	folder := t.TempDir()

	var boundaries []orb.Geometry
	for i := 0; i < 8; i++ {
		boundaries = append(boundaries, box(float64(i*10), 0, float64(i*10+5), 5))
	}
	opts := DefaultOptions()
	opts.Concurrency = 4

	res, err := newTestFetcher(t, opts, nil).Run(context.Background(), newBatch(srv, folder, boundaries...))
	require.NoError(t, err)
	require.Len(t, res.Results, 8)

	for i, r := range res.Results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, filepath.Join(folder, fmt.Sprintf("r_%d.png", i)), r.FilePath)
		assert.Equal(t, boundaries[i].Bound(), r.Frame)
	}
}

func TestRunHrefLessExtentDownloadsRawQuery(t *testing.T) {
	srv := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("f") == "image" {
			writePNG(w)
			return
		}
		writeJSON(w, map[string]any{"extent": extentDoc(0, 0, 100, 50)})
	})

	res, err := newTestFetcher(t, DefaultOptions(), nil).Run(context.Background(), newBatch(srv, t.TempDir(), box(0, 0, 100, 50)))
	require.NoError(t, err)
	require.True(t, res.Results[0].Succeeded())

	images := 0
	for _, u := range srv.requests() {
		if isImage(u) {
			images++
			assert.True(t, onExportImage(u))
		}
	}
	assert.Equal(t, 1, images)
}

func TestRunPolygonBoundary(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(nil))
	poly := orb.Polygon{orb.Ring{{0, 0}, {10, 0}, {10, 5}, {0, 5}, {0, 0}}}

	res, err := newTestFetcher(t, DefaultOptions(), nil).Run(context.Background(), newBatch(srv, t.TempDir(), poly))
	require.NoError(t, err)
	assert.Equal(t, box(0, 0, 10, 5), res.Results[0].Frame)
	assert.Contains(t, res.Results[0].Query, "size=1024%2C512")
}

func TestRunWebMercatorRoundTrip(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(nil))
	batch := newBatch(srv, t.TempDir(), box(-1, 50, 1, 51))
	batch.SRS = 3857

	res, err := newTestFetcher(t, DefaultOptions(), nil).Run(context.Background(), batch)
	require.NoError(t, err)

	r := res.Results[0]
	assert.Contains(t, r.Query, "bboxSR=3857")
	assert.InDelta(t, -1, r.Frame.Min[0], 1e-6)
	assert.InDelta(t, 50, r.Frame.Min[1], 1e-6)
	assert.InDelta(t, 1, r.Frame.Max[0], 1e-6)
	assert.InDelta(t, 51, r.Frame.Max[1], 1e-6)
}

func TestRunWritesWorldFile(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(nil))
	folder := t.TempDir()
	opts := DefaultOptions()
	opts.WorldFile = true

	_, err := newTestFetcher(t, opts, nil).Run(context.Background(), newBatch(srv, folder, box(0, 0, 100, 50)))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(folder, "r_0.pgw"))
}

func TestRunDegenerateBoundary(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(nil))

	res, err := newTestFetcher(t, DefaultOptions(), nil).Run(context.Background(),
		newBatch(srv, t.TempDir(), box(0, 0, 10, 10), box(0, 5, 10, 5)))

	var abort *BatchAbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, 1, abort.Index)
	assert.ErrorIs(t, err, ErrDegenerateBBox)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].Succeeded())
}

func TestRunValidation(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(nil))
	f := newTestFetcher(t, DefaultOptions(), nil)
	ctx := context.Background()

	batch := newBatch(srv, t.TempDir(), box(0, 0, 1, 1))
	batch.URL = ""
	_, err := f.Run(ctx, batch)
	assert.ErrorIs(t, err, ErrEmptyURL)

	_, err = f.Run(ctx, newBatch(srv, t.TempDir()))
	assert.ErrorIs(t, err, ErrNoBoundaries)

	batch = newBatch(srv, t.TempDir(), box(0, 0, 1, 1))
	batch.SRS = 2193
	_, err = f.Run(ctx, batch)
	assert.ErrorIs(t, err, Transformer.ErrUnsupportedSRS)

	assert.Empty(t, srv.requests())
}

func TestRunCanceled(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newTestFetcher(t, DefaultOptions(), nil).Run(ctx, newBatch(srv, t.TempDir(), box(0, 0, 1, 1)))
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, res)
	assert.Empty(t, res.Results)
	assert.Empty(t, srv.requests())
}

func TestRunSharesProbeCache(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(nil))
	cache := NewMemoryCache(10, time.Minute)
	defer cache.Close()
	f := newTestFetcher(t, DefaultOptions(), cache)

	for i := 0; i < 2; i++ {
		res, err := f.Run(context.Background(), newBatch(srv, t.TempDir(), box(0, 0, 1, 1)))
		require.NoError(t, err)
		assert.True(t, res.Results[0].Succeeded())
	}
	assert.Equal(t, 1, srv.count(isProbe))
	// 缓存命中后不再使用过期的href，直接请求原始影像地址
	assert.Equal(t, 1, srv.count(func(u *url.URL) bool { return strings.HasPrefix(u.Path, "/output/") }))
	assert.Equal(t, 1, srv.count(isImage))
}

func TestRunRejectsUnsafeFileNames(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(nil))
	f := newTestFetcher(t, DefaultOptions(), nil)
	root := t.TempDir()
	folder := filepath.Join(root, "tasks", "abc")

	tests := []struct {
		name      string
		prefix    string
		imageType string
	}{
		{name: "parent prefix", prefix: "../../escaped", imageType: "png"},
		{name: "absolute prefix", prefix: "/tmp/x", imageType: "png"},
		{name: "windows separator", prefix: `..\x`, imageType: "png"},
		{name: "dot dot prefix", prefix: "..", imageType: "png"},
		{name: "type with separator", prefix: "r", imageType: "png/../../x"},
		{name: "type only digits", prefix: "r", imageType: "32"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := newBatch(srv, folder, box(0, 0, 10, 10))
			batch.Prefix = tt.prefix
			batch.ImageType = tt.imageType

			res, err := f.Run(context.Background(), batch)
			assert.ErrorIs(t, err, ErrInvalidFileName)
			assert.Nil(t, res)
		})
	}

	assert.Empty(t, srv.requests())
	assert.NoFileExists(t, filepath.Join(root, "escaped_0.png"))
}

func TestValidateFileName(t *testing.T) {
	assert.NoError(t, ValidateFileName("r", "png32"))
	assert.NoError(t, ValidateFileName("site.a", "GeoTIFF"))
	assert.ErrorIs(t, ValidateFileName("a/b", "png"), ErrInvalidFileName)
	assert.ErrorIs(t, ValidateFileName("r", ""), ErrInvalidFileName)
}

func TestRunRemovesFilesOfDroppedBoundaries(t *testing.T) {
	srv := newFakeServer(t, serviceHandler(func(q url.Values) bool {
		return strings.HasPrefix(q.Get("bbox"), "0,")
	}))
	folder := t.TempDir()
	opts := DefaultOptions()
	opts.Concurrency = 4
	opts.WorldFile = true

	res, err := newTestFetcher(t, opts, nil).Run(context.Background(),
		newBatch(srv, folder, box(0, 0, 10, 10), box(100, 0, 110, 10), box(200, 0, 210, 10)))

	var abort *BatchAbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, 0, abort.Index)
	require.Len(t, res.Results, 1)

	for i := 1; i < 3; i++ {
		path := ImagePath(folder, "r", i, "png32")
		assert.NoFileExists(t, path)
		assert.NoFileExists(t, WorldFilePath(path))
	}
}

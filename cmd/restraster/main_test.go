package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const boundaryFile = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,5],[0,5],[0,0]]]}}
]}`

func restServer(t *testing.T, fail bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("f") {
		case "json":
			w.Header().Set("Content-Type", "application/json")
			if fail {
				w.Write([]byte(`{}`))
				return
			}
			w.Write([]byte(`{"href":"","extent":{"xmin":0,"ymin":0,"xmax":10,"ymax":5}}`))
		default:
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write([]byte("\xff\xd8\xff\xe0jpeg"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeBoundaries(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "b.geojson")
	require.NoError(t, os.WriteFile(path, []byte(boundaryFile), 0644))
	return path
}

func readOutput(t *testing.T, path string) fetchOutput {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out fetchOutput
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestRunUsage(t *testing.T) {
	assert.Equal(t, ExitInvalidArgs, run(nil))
	assert.Equal(t, ExitInvalidArgs, run([]string{"bogus"}))
	assert.Equal(t, ExitSuccess, run([]string{"help"}))
}

func TestRunSources(t *testing.T) {
	assert.Equal(t, ExitSuccess, run([]string{"sources"}))
	assert.Equal(t, ExitSuccess, run([]string{"sources", "-json", "-source", "USGS"}))
}

func TestRunFetch(t *testing.T) {
	srv := restServer(t, false)
	dir := t.TempDir()
	output := filepath.Join(dir, "out.json")
	frames := filepath.Join(dir, "frames.geojson")

	code := run([]string{"fetch",
		"-url", srv.URL + "/arcgis/rest/services/T/MapServer/export?",
		"-boundaries", writeBoundaries(t, dir),
		"-srs", "4326",
		"-folder", filepath.Join(dir, "images"),
		"-prefix", "tile",
		"-output", output,
		"-frames", frames,
	})
	require.Equal(t, ExitSuccess, code)

	out := readOutput(t, output)
	require.Len(t, out.Results, 1)
	assert.Equal(t, filepath.Join(dir, "images", "tile_0.jpg"), out.Results[0].FilePath)
	assert.FileExists(t, out.Results[0].FilePath)
	assert.False(t, out.Aborted)

	data, err := os.ReadFile(frames)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 5}}, fc.Features[0].Geometry.Bound())
}

func TestRunFetchAborted(t *testing.T) {
	srv := restServer(t, true)
	dir := t.TempDir()
	output := filepath.Join(dir, "out.json")

	code := run([]string{"fetch",
		"-url", srv.URL + "/arcgis/rest/services/T/MapServer/export?",
		"-boundaries", writeBoundaries(t, dir),
		"-srs", "4326",
		"-folder", dir,
		"-output", output,
	})
	assert.Equal(t, ExitBatchAborted, code)

	out := readOutput(t, output)
	assert.True(t, out.Aborted)
	assert.Equal(t, 0, out.AbortIndex)
	assert.Contains(t, out.Error, "failed to download image")
}

func TestRunFetchDryRun(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "out.json")

	code := run([]string{"fetch",
		"-source", "USGS",
		"-service", "Topo",
		"-boundaries", writeBoundaries(t, dir),
		"-dry-run",
		"-output", output,
	})
	require.Equal(t, ExitSuccess, code)

	out := readOutput(t, output)
	require.Len(t, out.Results, 1)
	assert.Contains(t, out.Results[0].Query, "USGSTopo/MapServer/export?bbox=")
	assert.Empty(t, out.Results[0].FilePath)
}

func TestRunFetchMissingArgs(t *testing.T) {
	assert.Equal(t, ExitInvalidArgs, run([]string{"fetch", "-url", "http://h/export?"}))
	assert.Equal(t, ExitInvalidArgs, run([]string{"fetch", "-boundaries", "x.geojson"}))

	dir := t.TempDir()
	assert.Equal(t, ExitInvalidArgs, run([]string{"fetch",
		"-url", "http://127.0.0.1:1/arcgis/rest/services/T/MapServer/export?",
		"-boundaries", writeBoundaries(t, dir),
		"-srs", "4326",
		"-prefix", "../escaped",
		"-output", filepath.Join(dir, "out.json"),
	}))
}

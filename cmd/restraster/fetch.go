package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/GrainArc/RestRaster/catalog"
	"github.com/GrainArc/RestRaster/config"
	"github.com/GrainArc/RestRaster/logger"
	"github.com/GrainArc/RestRaster/methods"
	"github.com/GrainArc/RestRaster/rest_raster"
	"github.com/GrainArc/RestRaster/services"
)

// fetchOutput 命令输出
type fetchOutput struct {
	Results    []rest_raster.FetchResult `json:"results"`
	Aborted    bool                      `json:"aborted"`
	AbortIndex int                       `json:"abortIndex"`
	Error      string                    `json:"error,omitempty"`
}

func runFetch(args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)

	configPath := fs.String("config", "", "Config file (default: ./config.yaml if present)")
	boundaries := fs.String("boundaries", "", "GeoJSON file with boundary geometries (required)")
	url := fs.String("url", "", "REST export URL, e.g. https://host/arcgis/rest/services/X/MapServer/export?")
	source := fs.String("source", "", "Catalog source name, used with -service instead of -url")
	service := fs.String("service", "", "Catalog service name")
	resolution := fs.Int("resolution", 0, "Requested resolution of the longer image side")
	srs := fs.Int("srs", 0, "Service spatial reference (EPSG code)")
	folder := fs.String("folder", "", "Target folder")
	prefix := fs.String("prefix", "", "File name prefix")
	imageType := fs.String("type", "", "Image format passed to the service, e.g. jpg, png32, tiff")
	dryRun := fs.Bool("dry-run", false, "Only build the request URLs, do not download")
	output := fs.String("output", "", "Write results JSON to this file instead of stdout")
	frames := fs.String("frames", "", "Write the georeferencing rectangles of downloaded images as GeoJSON")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: restraster fetch [options]

Download one georeferenced image per boundary. Each boundary is tried at the
requested resolution, then at the configured fallback resolutions. The batch
stops at the first boundary that fails at every resolution.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if *boundaries == "" {
		fmt.Fprintln(os.Stderr, "Error: -boundaries is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	target := *url
	if target == "" {
		svc, ok := catalog.Lookup(*source, *service)
		if !ok {
			fmt.Fprintln(os.Stderr, "Error: -url or a known -source/-service pair is required")
			return ExitInvalidArgs
		}
		target = svc.URL
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer log.Sync()

	geoms, err := methods.ReadBoundaries(*boundaries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: read boundaries: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\n[restraster] Received interrupt, finishing current boundary...")
		cancel()
	}()

	svc, err := services.NewFetchService(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	defer svc.Close()

	batch := rest_raster.Batch{
		URL:        target,
		Boundaries: geoms,
		Resolution: pick(*resolution, cfg.Fetch.Resolution),
		SRS:        pick(*srs, cfg.Fetch.SRS),
		Folder:     pickString(*folder, cfg.Fetch.Folder),
		Prefix:     pickString(*prefix, cfg.Fetch.Prefix),
		ImageType:  pickString(*imageType, cfg.Fetch.ImageType),
		Run:        !*dryRun,
		Observer: func(e rest_raster.Event) {
			log.Debug("boundary state", zap.Int("index", e.Index), zap.String("state", string(e.State)), zap.Int("resolution", e.Resolution))
		},
	}

	result, runErr := svc.Fetcher.Run(ctx, batch)

	out := fetchOutput{AbortIndex: -1}
	if result != nil {
		out.Results = result.Results
		out.Aborted = result.Aborted
		out.AbortIndex = result.AbortIndex
	}
	if runErr != nil {
		out.Error = runErr.Error()
	}

	if err := writeOutput(*output, out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	if *frames != "" && result != nil {
		if err := writeFrames(*frames, result.Results); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
	}

	var abort *rest_raster.BatchAbortError
	switch {
	case errors.As(runErr, &abort):
		fmt.Fprintf(os.Stderr, "Batch aborted at boundary %d: %v\n", abort.Index, abort.Err)
		return ExitBatchAborted
	case errors.Is(runErr, rest_raster.ErrInvalidFileName):
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		return ExitInvalidArgs
	case runErr != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		return ExitGeneralError
	}
	return ExitSuccess
}

func writeOutput(path string, v any) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeFrames 只输出成功结果的范围
func writeFrames(path string, results []rest_raster.FetchResult) error {
	var (
		bounds []orb.Bound
		props  []map[string]interface{}
	)
	for _, r := range results {
		if !r.FrameValid {
			continue
		}
		bounds = append(bounds, r.Frame)
		props = append(props, map[string]interface{}{
			"index":      r.Index,
			"file":       r.FilePath,
			"resolution": r.Resolution,
		})
	}
	data, err := methods.BoundsToFeatureCollection(bounds, props).MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode frames: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write frames: %w", err)
	}
	return nil
}

func pick(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func pickString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

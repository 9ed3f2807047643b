package cmd

import (
	"context"
	"fmt"
	neturl "net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/streamfetch/internal/config"
	"github.com/tanq16/streamfetch/internal/download"
	"github.com/tanq16/streamfetch/internal/hls"
	"github.com/tanq16/streamfetch/internal/metrics"
	"github.com/tanq16/streamfetch/internal/output"
	"github.com/tanq16/streamfetch/internal/storage"
	"github.com/tanq16/streamfetch/internal/utils"
)

func newFetchCmd() *cobra.Command {
	var opts fetchOptions

	cmd := &cobra.Command{
		Use:     "fetch [URL] [--output OUTPUT_PATH]",
		Short:   "Download every fragment of an HLS stream and export it",
		Aliases: []string{"hls", "m3u8", "get"},
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			failed, err := runFetch(ctx, globalCfg, args[0], opts)
			if err != nil {
				output.PrintError(fmt.Sprintf("Fetch failed: %v", err))
				os.Exit(1)
			}
			if failed > 0 {
				output.PrintError("Encountered failed fragment(s)")
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output file path (default: derived from the playlist name)")
	cmd.Flags().IntVar(&opts.variant, "variant", -1, "Variant index of a master playlist (default: highest bandwidth)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Hide the progress bar")
	cmd.Flags().BoolVar(&opts.mux, "mux", false, "Merge separate video and audio tracks into one MP4 with ffmpeg")
	cmd.Flags().StringVar(&opts.ffmpeg, "ffmpeg", "ffmpeg", "ffmpeg binary used by --mux")
	cmd.Flags().String("spool-dir", "", "Keep fragment payloads in temp files under this directory instead of memory")
	cmd.Flags().Int("cache-size", 256, "Completed fragments kept reachable after they finish")
	cmd.Flags().Int64("max-fragment-size", 0, "Reject byte ranges larger than this (0 disables)")
	cmd.Flags().String("control-file", "", "YAML file watched for runtime pool changes (workers, paused)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g., :9090)")
	cmd.Flags().String("storage-dir", "", "Also store every fragment below this directory")
	cmd.Flags().String("s3-bucket", "", "Also upload every fragment to this S3 bucket")
	cmd.Flags().String("s3-prefix", "", "Key prefix for stored fragments")
	cmd.Flags().String("s3-profile", "", "AWS profile for uploads (default: AWS_PROFILE or default)")
	cmd.Flags().String("s3-region", "", "AWS region for uploads")
	cmd.Flags().Int("uploads", 4, "Concurrent fragment uploads")
	bindFlags(cmd, map[string]string{
		"spool-dir":         "spool_dir",
		"cache-size":        "cache_size",
		"max-fragment-size": "max_entry_size",
		"control-file":      "control_file",
		"metrics-addr":      "metrics.addr",
		"storage-dir":       "storage.dir",
		"s3-bucket":         "storage.s3_bucket",
		"s3-prefix":         "storage.s3_prefix",
		"s3-profile":        "storage.s3_profile",
		"s3-region":         "storage.s3_region",
		"uploads":           "storage.uploads",
	})
	return cmd
}

type fetchOptions struct {
	output  string
	variant int
	quiet   bool
	mux     bool
	ffmpeg  string
}

// runFetch downloads url and exports it, returning the number of fragments
// that failed.
func runFetch(ctx context.Context, cfg *config.Config, url string, opts fetchOptions) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := utils.GetLogger("fetch")
	client, err := newHTTPClient(cfg)
	if err != nil {
		return 0, err
	}
	mcfg := managerConfig(cfg)

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		mcfg.Metrics = metrics.New(reg)
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg); err != nil {
				logger.Error().Str("op", "cmd/fetch").Err(err).Msg("metrics server stopped")
			}
		}()
	}

	hook, err := newStorageHook(ctx, cfg)
	if err != nil {
		return 0, err
	}
	if hook != nil {
		mcfg.TransferFunc = hook.TransferFunc()
	}

	m := download.NewManager(client, mcfg)
	defer m.Close()
	if m.PoolSize() == 0 && cfg.ControlFile == "" {
		return 0, fmt.Errorf("no downloaders configured and no control file to add them")
	}

	if cfg.ControlFile != "" {
		go func() {
			err := config.WatchControl(ctx, cfg.ControlFile, func(c config.Control) {
				if err := c.Apply(m); err != nil {
					logger.Warn().Str("op", "cmd/fetch").Err(err).Msg("failed to apply control file")
				}
			})
			if err != nil {
				logger.Error().Str("op", "cmd/fetch").Err(err).Msg("control file watcher stopped")
			}
		}()
	}

	stream, err := resolveStream(ctx, m, url, opts.variant)
	if err != nil {
		return 0, err
	}
	if !stream.video.Ended {
		output.PrintWarning("Playlist has no end tag; downloading the current window only")
	}

	store := hls.NewStore()
	store.AddPlaylist(hls.TrackVideo, stream.videoLevel, stream.video)
	videoID := hls.Identifier(hls.TrackVideo, stream.videoLevel)
	audioID := ""
	if stream.audio != nil {
		store.AddPlaylist(hls.TrackAudio, 0, stream.audio)
		audioID = hls.Identifier(hls.TrackAudio, 0)
	}

	var frags []*hls.Fragment
	for _, id := range []string{videoID, audioID} {
		if id != "" {
			frags = append(frags, store.GetFragments(id)...)
		}
	}
	if len(frags) == 0 {
		return 0, fmt.Errorf("playlist has no segments")
	}
	output.PrintInfo(fmt.Sprintf("Downloading %d fragments (%.1fs of media) with %d workers", len(frags), stream.video.Duration(), m.PoolSize()))

	report := output.NewReport(len(frags))
	progress := output.NewProgress(len(frags), opts.quiet)
	requester := hls.NewRequester(m, nil)
	defer requester.Destroy()
	defer requester.Release()

	var wg sync.WaitGroup
	for i, f := range frags {
		reqOpts := []hls.Option{}
		if cfg.SpoolDir == "" {
			reqOpts = append(reqOpts, hls.WithStoreRaw())
		}
		// init segments and the first fragment gate playback
		if i == 0 || f.IsInit() {
			reqOpts = append(reqOpts, hls.WithPriority())
		}
		id := f.ID()
		wg.Add(1)
		_, err := requester.RequestFragment(f, download.HandlerFunc(func(ev download.Event) {
			if !ev.Kind.Terminal() {
				return
			}
			report.Record(id, ev)
			progress.Done(ev.Stats.Loaded)
			wg.Done()
		}), reqOpts...)
		if err != nil {
			wg.Done()
			report.Record(id, download.Event{Kind: download.EventFailure, Err: err})
			progress.Done(0)
		}
	}

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		// watchers dropped by Destroy see no further events
		requester.Destroy()
		m.Flush()
	}
	progress.Finish()
	m.Flush()

	if hook != nil {
		if err := hook.Wait(); err != nil {
			output.PrintWarning(fmt.Sprintf("Storing fragments failed: %v", err))
		} else {
			output.PrintDetail(fmt.Sprintf("Stored %d objects", hook.Stored()))
		}
	}

	videoPath, audioPath, err := exportStream(store, requester, stream, videoID, audioID, url, opts.output)
	if err == nil && opts.mux && audioPath != "" {
		err = muxExport(ctx, opts.ffmpeg, videoPath, audioPath)
	}
	report.Render(os.Stdout)
	if err != nil {
		return report.Failed(), err
	}
	return report.Failed(), ctx.Err()
}

func newStorageHook(ctx context.Context, cfg *config.Config) (*storage.Hook, error) {
	var sinks []storage.Sink
	if cfg.Storage.Dir != "" {
		dir, err := storage.NewDirSink(cfg.Storage.Dir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, dir)
	}
	if cfg.Storage.S3Bucket != "" {
		s3, err := storage.NewS3Sink(ctx, storage.S3Options{
			Bucket:  cfg.Storage.S3Bucket,
			Profile: cfg.Storage.S3Profile,
			Region:  cfg.Storage.S3Region,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s3)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return storage.NewHook(ctx, cfg.Storage.Uploads, cfg.Storage.S3Prefix, sinks...), nil
}

// exportStream writes the completed fragments of each track to its own file
// and returns the paths written.
func exportStream(store *hls.Store, lookup hls.EntryLookup, stream *resolvedStream, videoID, audioID, url, outputPath string) (videoPath, audioPath string, err error) {
	canSave, complete := hls.Completeness(store, lookup, videoID)
	if !canSave {
		return "", "", fmt.Errorf("no video fragment completed, nothing to export")
	}
	if !complete {
		output.PrintWarning("Some video fragments are missing; the export has gaps")
	}

	ext := ".ts"
	if stream.video.Init != nil {
		ext = ".mp4"
	}
	ext = segmentExt(stream.video, ext)
	if outputPath == "" {
		outputPath = utils.DefaultOutputName(url) + ext
	}
	outputPath = utils.RenewOutputPath(outputPath)

	c := hls.Collect(store, lookup, videoID, audioID)
	if complete && c.Missing > 0 {
		output.PrintWarning(fmt.Sprintf("%d fragments are missing; the export has gaps", c.Missing))
	}
	for _, track := range c.Tracks() {
		dest := outputPath
		if track == hls.TrackAudio {
			base := outputPath[:len(outputPath)-len(filepath.Ext(outputPath))]
			audioExt := ".aac"
			if stream.audio.Init != nil {
				audioExt = ".m4a"
			}
			dest = utils.RenewOutputPath(base + ".audio" + segmentExt(stream.audio, audioExt))
		}
		if err := writeTrackFile(dest, c, track); err != nil {
			return videoPath, audioPath, err
		}
		if track == hls.TrackAudio {
			audioPath = dest
		} else {
			videoPath = dest
		}
	}
	return videoPath, audioPath, nil
}

// muxExport merges the exported tracks and removes them once merged.
func muxExport(ctx context.Context, ffmpeg, videoPath, audioPath string) error {
	base := videoPath[:len(videoPath)-len(filepath.Ext(videoPath))]
	dest := utils.RenewOutputPath(base + ".muxed.mp4")
	if err := hls.MuxTracks(ctx, ffmpeg, videoPath, audioPath, dest); err != nil {
		return err
	}
	for _, p := range []string{videoPath, audioPath} {
		if err := os.Remove(p); err != nil {
			log.Warn().Str("op", "cmd/fetch").Err(err).Msgf("failed to remove %s", p)
		}
	}
	output.PrintSuccess(fmt.Sprintf("Merged tracks into %s", dest))
	return nil
}

// segmentExt picks the output extension from the media segments, keeping
// fallback for fMP4 streams and unknown extensions.
func segmentExt(pl *hls.Playlist, fallback string) string {
	if pl.Init != nil || len(pl.Segments) == 0 {
		return fallback
	}
	u, err := neturl.Parse(pl.Segments[0].URL)
	if err != nil {
		return fallback
	}
	switch ext := strings.ToLower(path.Ext(u.Path)); ext {
	case ".ts", ".aac", ".mp3", ".ac3", ".m4s", ".mp4":
		return ext
	}
	return fallback
}

func writeTrackFile(path string, c hls.Collection, track int) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	n, err := hls.WriteTrack(f, c, track)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	output.PrintSuccess(fmt.Sprintf("Saved %s (%s)", path, output.FormatBytes(uint64(n))))
	return nil
}

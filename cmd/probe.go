package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tanq16/streamfetch/internal/download"
	"github.com/tanq16/streamfetch/internal/hls"
	"github.com/tanq16/streamfetch/internal/output"
)

func newProbeCmd() *cobra.Command {
	var variant int
	var limit int

	cmd := &cobra.Command{
		Use:   "probe [URL]",
		Short: "List the variants and fragments of an HLS playlist",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			if err := runProbe(ctx, args[0], variant, limit); err != nil {
				output.PrintError(fmt.Sprintf("Probe failed: %v", err))
				os.Exit(1)
			}
		},
	}
	cmd.Flags().IntVar(&variant, "variant", -1, "Variant index of a master playlist (default: highest bandwidth)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Fragments listed per track (0 lists all)")
	return cmd
}

func runProbe(ctx context.Context, url string, variant, limit int) error {
	client, err := newHTTPClient(globalCfg)
	if err != nil {
		return err
	}
	m := download.NewManager(client, managerConfig(globalCfg))
	defer m.Close()

	master, err := fetchPlaylist(ctx, m, url)
	if err != nil {
		return err
	}
	if master.Master {
		output.PrintHeader("Variants")
		for i, v := range master.Variants {
			line := fmt.Sprintf("  %d %s %d bps", i, output.StyleSymbols["bullet"], v.Bandwidth)
			if v.Resolution != "" {
				line += " " + v.Resolution
			}
			if v.Audio != "" {
				line += " audio=" + v.Audio
			}
			fmt.Println(output.FInfo(line))
			fmt.Println("    " + output.FDebug(v.URL))
		}
		for _, r := range master.Renditions {
			fmt.Println(output.FDetail(fmt.Sprintf("  %s %s group=%s name=%q default=%t", r.Type, output.StyleSymbols["arrow"], r.GroupID, r.Name, r.Default)))
		}
		fmt.Println()
	}

	// a media playlist fetched once is served again from the cache
	stream, err := resolveStream(ctx, m, url, variant)
	if err != nil {
		return err
	}
	store := hls.NewStore()
	store.AddPlaylist(hls.TrackVideo, stream.videoLevel, stream.video)
	printLevel(store, hls.Identifier(hls.TrackVideo, stream.videoLevel), "Video "+levelLabel(stream.videoLevel), stream.video, limit)
	if stream.audio != nil {
		store.AddPlaylist(hls.TrackAudio, 0, stream.audio)
		label := "Audio"
		if stream.rendition != nil {
			label += " " + stream.rendition.Name
		}
		printLevel(store, hls.Identifier(hls.TrackAudio, 0), label, stream.audio, limit)
	}
	return nil
}

func printLevel(store *hls.Store, id, label string, pl *hls.Playlist, limit int) {
	frags := store.GetFragments(id)
	state := "live"
	if pl.Ended {
		state = "ended"
	}
	output.PrintHeader(fmt.Sprintf("%s (%d fragments, %.1fs, %s)", label, len(frags), pl.Duration(), state))
	for i, f := range frags {
		if limit > 0 && i >= limit {
			fmt.Println(output.FDebug(fmt.Sprintf("  ... %d more", len(frags)-limit)))
			break
		}
		var b strings.Builder
		fmt.Fprintf(&b, "  %s %-10s", output.StatusIndicator(f.Status()), f.ID())
		if f.IsInit() {
			b.WriteString(" init")
		} else {
			fmt.Fprintf(&b, " %7.2fs-%7.2fs", f.Start, f.End)
		}
		if f.ByteRangeEnd > 0 {
			fmt.Fprintf(&b, " bytes=%d-%d", f.ByteRangeStart, f.ByteRangeEnd-1)
		}
		fmt.Println(b.String())
		fmt.Println("    " + output.FDebug(f.URL))
	}
	fmt.Println()
}

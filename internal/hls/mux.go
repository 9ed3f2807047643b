package hls

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// MuxTracks copies the first video stream of videoPath and the first audio
// stream of audioPath into outputPath with ffmpeg, without re-encoding.
// ffmpeg is the binary to run; empty means "ffmpeg" from PATH.
func MuxTracks(ctx context.Context, ffmpeg, videoPath, audioPath, outputPath string) error {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	args := []string{
		"-i", videoPath,
		"-i", audioPath,
		"-c", "copy",
		"-map", "0:v:0",
		"-map", "1:a:0",
	}
	// ADTS audio from TS renditions needs the bitstream filter for MP4
	if strings.HasSuffix(audioPath, ".aac") || strings.HasSuffix(audioPath, ".ts") {
		args = append(args, "-bsf:a:0", "aac_adtstoasc")
	}
	args = append(args, "-movflags", "+faststart", "-y", outputPath)

	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	log.Debug().Str("op", "hls/mux").Msgf("Executing ffmpeg command: %s", cmd.String())
	output, err := cmd.CombinedOutput()
	if err != nil {
		log.Debug().Str("op", "hls/mux").Msgf("FFmpeg output:\n%s", string(output))
		return fmt.Errorf("ffmpeg error: %v\nOutput: %s", err, string(output))
	}
	return nil
}

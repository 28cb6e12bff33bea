// Package compose assembles the final episode video with ffmpeg: clip
// concatenation, background music mixing and subtitle burn-in.
package compose

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type Composer interface {
	// Concat joins the ordered clips into a single video with stream copy.
	Concat(ctx context.Context, clipPaths []string, outPath string) error
	// MixBGM overlays a music track at the given volume (0-1), keeping the
	// video stream untouched.
	MixBGM(ctx context.Context, videoPath, bgmPath string, volume float64, outPath string) error
	// BurnSubtitles renders an SRT file into the video frames.
	BurnSubtitles(ctx context.Context, videoPath, srtPath, outPath string) error
}

type ffmpegComposer struct {
	ffmpegPath string
	logger     *slog.Logger
}

func NewFFmpeg(ffmpegPath string, logger *slog.Logger) Composer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ffmpegComposer{ffmpegPath: ffmpegPath, logger: logger}
}

func (c *ffmpegComposer) Concat(ctx context.Context, clipPaths []string, outPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	listPath := filepath.Join(filepath.Dir(outPath), "concat.txt")
	var b strings.Builder
	for _, p := range clipPaths {
		fmt.Fprintf(&b, "file '%s'\n", p)
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	return c.run(ctx,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	)
}

func (c *ffmpegComposer) MixBGM(ctx context.Context, videoPath, bgmPath string, volume float64, outPath string) error {
	if volume <= 0 || volume > 1 {
		volume = 0.3
	}
	filter := fmt.Sprintf("[1:a]volume=%g[bgm];[0:a][bgm]amix=inputs=2:duration=first[aout]", volume)
	return c.run(ctx,
		"-y",
		"-i", videoPath,
		"-i", bgmPath,
		"-filter_complex", filter,
		"-map", "0:v",
		"-map", "[aout]",
		"-c:v", "copy",
		"-c:a", "aac",
		outPath,
	)
}

func (c *ffmpegComposer) BurnSubtitles(ctx context.Context, videoPath, srtPath, outPath string) error {
	return c.run(ctx,
		"-y",
		"-i", videoPath,
		"-vf", "subtitles="+srtPath,
		"-c:a", "copy",
		outPath,
	)
}

func (c *ffmpegComposer) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := string(out)
		if len(tail) > 2048 {
			tail = tail[len(tail)-2048:]
		}
		c.logger.Error("ffmpeg failed", "args", strings.Join(args, " "), "output", tail)
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// EstimateDurationSeconds approximates a video's play time from its byte
// size, assuming roughly 1 Mbps output. Used for status reporting only.
func EstimateDurationSeconds(sizeBytes int64) int {
	const bytesPerSecond = 1_000_000 / 8
	if sizeBytes <= 0 {
		return 0
	}
	d := int(sizeBytes / bytesPerSecond)
	if d < 1 {
		d = 1
	}
	return d
}

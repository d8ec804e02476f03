// Copyright 2024-2026 Aiku AI

package media

import (
	"context"
	"fmt"

	"go.mau.fi/util/ffmpeg"
)

// Transcoder converts a media file. The output is written next to the input
// with the input's extension replaced by outputExt.
type Transcoder interface {
	Transcode(ctx context.Context, input, outputExt string, inputArgs, outputArgs []string) (string, error)
}

// FFmpeg transcodes with the ffmpeg binary.
type FFmpeg struct{}

var _ Transcoder = FFmpeg{}

// SetFFmpegPath overrides the ffmpeg binary used by [FFmpeg].
func SetFFmpegPath(path string) {
	if path != "" {
		ffmpeg.SetPath(path)
	}
}

// FFmpegAvailable reports whether the ffmpeg binary can be found.
func FFmpegAvailable() bool {
	return ffmpeg.Supported()
}

func (FFmpeg) Transcode(ctx context.Context, input, outputExt string, inputArgs, outputArgs []string) (string, error) {
	out, err := ffmpeg.ConvertPath(ctx, input, outputExt, inputArgs, outputArgs, false)
	if err != nil {
		return "", fmt.Errorf("ffmpeg: %w", err)
	}
	return out, nil
}

// stickerFilter scales into a square canvas, pads with transparency and
// reduces to a palette with ffffff as the transparent key.
func stickerFilter(size, fps int) string {
	return fmt.Sprintf(
		"scale='min(%[1]d,iw)':'min(%[1]d,ih)':force_original_aspect_ratio=decrease,fps=%[2]d,"+
			" pad=%[1]d:%[1]d:-1:-1:color=white@0.0",
		size, fps,
	)
}

const paletteFilter = "split [a][b]; [a] palettegen=reserve_transparent=on:transparency_color=ffffff [p]; [b][p] paletteuse"

func stickerArgs(size, fps int) []string {
	return []string{
		"-vcodec", "libwebp",
		"-vf", stickerFilter(size, fps) + ", " + paletteFilter,
	}
}

// overlayArgs renders the sticker again from the original input with the
// caption layer composited on top before palette reduction.
func overlayArgs(size, fps int, captionLayer string) []string {
	return []string{
		"-i", captionLayer,
		"-filter_complex", "[0:v]" + stickerFilter(size, fps) + " [base]; [base][1:v] overlay=0:0, " + paletteFilter,
		"-vcodec", "libwebp",
	}
}

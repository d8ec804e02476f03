// Copyright 2024-2026 Aiku AI

// Package media turns downloaded chat media into WebP stickers.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/image/webp"
)

// ErrTranscodeFailed wraps every failure of the sticker transcode step.
var ErrTranscodeFailed = errors.New("transcode failed")

// Config configures the sticker pipeline.
type Config struct {
	// TempDir is the parent of the per-build working directories. Empty
	// means the system temp directory.
	TempDir string        `yaml:"temp_dir" env:"TEMP_DIR"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Size is the edge length of the square sticker canvas.
	Size int `yaml:"size" env:"SIZE"`
	FPS  int `yaml:"fps" env:"FPS"`
	// FFmpegPath overrides the ffmpeg binary.
	FFmpegPath string `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
}

const (
	defaultTimeout = 2 * time.Minute
	defaultSize    = 320
	defaultFPS     = 15
)

// Artifact is a finished sticker on disk. Cleanup removes it together with
// every other file of the build and must only be called once the sticker
// has been sent.
type Artifact struct {
	Path     string
	Mimetype string
	Width    int
	Height   int
	dir      string
}

// Cleanup removes the build directory.
func (a *Artifact) Cleanup() error {
	if a == nil || a.dir == "" {
		return nil
	}
	return os.RemoveAll(a.dir)
}

// Pipeline builds stickers.
type Pipeline struct {
	log        zerolog.Logger
	cfg        Config
	transcoder Transcoder
}

// NewPipeline creates a pipeline. Zero config values are replaced by
// defaults.
func NewPipeline(log zerolog.Logger, cfg Config, transcoder Transcoder) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Size <= 0 {
		cfg.Size = defaultSize
	}
	if cfg.FPS <= 0 {
		cfg.FPS = defaultFPS
	}
	return &Pipeline{
		log:        log.With().Str("component", "media").Logger(),
		cfg:        cfg,
		transcoder: transcoder,
	}
}

// BuildSticker writes data to a private working directory, transcodes it to
// a WebP sticker and, when captions are given, renders them on top. A
// failed caption step is logged and the plain sticker is returned. On error
// the working directory is already removed.
func (p *Pipeline) BuildSticker(ctx context.Context, data []byte, captions Captions) (*Artifact, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrTranscodeFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	dir, err := os.MkdirTemp(p.cfg.TempDir, "sticker-")
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}
	artifact := &Artifact{Mimetype: "image/webp", dir: dir}
	success := false
	defer func() {
		if !success {
			_ = artifact.Cleanup()
		}
	}()

	input := filepath.Join(dir, uuid.NewString())
	if err = os.WriteFile(input, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write input: %w", err)
	}
	log := p.log.With().Str("input", filepath.Base(input)).Int("input_size", len(data)).Logger()

	start := time.Now()
	artifact.Path, err = p.transcoder.Transcode(ctx, input, ".webp", nil, stickerArgs(p.cfg.Size, p.cfg.FPS))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to transcode sticker")
		return nil, fmt.Errorf("%w: %w", ErrTranscodeFailed, err)
	}
	if info, err := os.Stat(artifact.Path); err != nil || info.Size() == 0 {
		log.Warn().Err(err).Msg("Transcoder produced no output")
		return nil, fmt.Errorf("%w: missing output", ErrTranscodeFailed)
	}
	log.Debug().Dur("duration", time.Since(start)).Msg("Transcoded sticker")

	if !captions.IsZero() {
		if captioned, err := p.overlay(ctx, dir, input, captions); err != nil {
			log.Warn().Err(err).Msg("Failed to add captions, sending plain sticker")
		} else {
			artifact.Path = captioned
		}
	}
	p.fillDimensions(artifact)
	success = true
	return artifact, nil
}

func (p *Pipeline) overlay(ctx context.Context, dir, input string, captions Captions) (string, error) {
	layer, err := RenderCaptionLayer(captions, p.cfg.Size)
	if err != nil {
		return "", err
	}
	layerPath := filepath.Join(dir, "caption.png")
	if err = writePNG(layerPath, layer); err != nil {
		return "", err
	}
	out, err := p.transcoder.Transcode(ctx, input, ".meme.webp", nil, overlayArgs(p.cfg.Size, p.cfg.FPS, layerPath))
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		return "", fmt.Errorf("missing overlay output")
	}
	return out, nil
}

// fillDimensions reads the canvas size from the WebP header. Animated
// stickers that the decoder can't read keep the configured size.
func (p *Pipeline) fillDimensions(artifact *Artifact) {
	artifact.Width, artifact.Height = p.cfg.Size, p.cfg.Size
	f, err := os.Open(artifact.Path)
	if err != nil {
		return
	}
	defer f.Close()
	if cfg, err := webp.DecodeConfig(f); err == nil {
		artifact.Width, artifact.Height = cfg.Width, cfg.Height
	}
}

// Copyright 2024-2026 Aiku AI

package media

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Captions is the optional text drawn on a sticker.
type Captions struct {
	Top    string
	Bottom string
}

// IsZero reports whether there is nothing to draw.
func (c Captions) IsZero() bool {
	return strings.TrimSpace(c.Top) == "" && strings.TrimSpace(c.Bottom) == ""
}

const (
	maxFontSize = 40
	minFontSize = 14
	outline     = 2
)

var (
	parseFontOnce sync.Once
	captionFont   *opentype.Font
	parseFontErr  error
)

func loadFont() (*opentype.Font, error) {
	parseFontOnce.Do(func() {
		captionFont, parseFontErr = opentype.Parse(gobold.TTF)
	})
	return captionFont, parseFontErr
}

// RenderCaptionLayer draws the captions as white text with a black outline
// on a transparent size x size canvas. Each caption is shrunk until it fits
// the canvas width.
func RenderCaptionLayer(captions Captions, size int) (*image.NRGBA, error) {
	f, err := loadFont()
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	margin := size / 32
	if top := strings.ToUpper(strings.TrimSpace(captions.Top)); top != "" {
		face, err := fitFace(f, top, size-2*margin)
		if err != nil {
			return nil, err
		}
		ascent := face.Metrics().Ascent.Ceil()
		drawOutlined(img, face, top, margin+ascent)
		_ = face.Close()
	}
	if bottom := strings.ToUpper(strings.TrimSpace(captions.Bottom)); bottom != "" {
		face, err := fitFace(f, bottom, size-2*margin)
		if err != nil {
			return nil, err
		}
		descent := face.Metrics().Descent.Ceil()
		drawOutlined(img, face, bottom, size-margin-descent)
		_ = face.Close()
	}
	return img, nil
}

func fitFace(f *opentype.Font, text string, maxWidth int) (font.Face, error) {
	for fontSize := maxFontSize; ; fontSize -= 2 {
		face, err := opentype.NewFace(f, &opentype.FaceOptions{
			Size:    float64(fontSize),
			DPI:     72,
			Hinting: font.HintingFull,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create font face: %w", err)
		}
		if fontSize <= minFontSize || font.MeasureString(face, text).Ceil()+2*outline <= maxWidth {
			return face, nil
		}
		_ = face.Close()
	}
}

// drawOutlined draws text horizontally centered with its baseline at y.
func drawOutlined(img *image.NRGBA, face font.Face, text string, y int) {
	width := font.MeasureString(face, text).Ceil()
	x := (img.Bounds().Dx() - width) / 2
	d := &font.Drawer{Dst: img, Face: face, Src: image.NewUniform(color.Black)}
	for dx := -outline; dx <= outline; dx++ {
		for dy := -outline; dy <= outline; dy++ {
			if dx == 0 && dy == 0 {
				continue
			}
			d.Dot = fixed.P(x+dx, y+dy)
			d.DrawString(text)
		}
	}
	d.Src = image.NewUniform(color.White)
	d.Dot = fixed.P(x, y)
	d.DrawString(text)
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create caption layer: %w", err)
	}
	if err = png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to encode caption layer: %w", err)
	}
	return f.Close()
}

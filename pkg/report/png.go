package report

import (
	"context"
	"fmt"
	"image/color"
	"io"
	"strings"
	"time"

	"github.com/fogleman/gg"
)

const (
	pngWidth      = 1000
	pngMargin     = 32.0
	pngLineHeight = 20.0
)

// PNGRenderer renders a one-page summary sheet. Without FontPath the
// built-in bitmap face is used.
type PNGRenderer struct {
	FontPath string
	FontSize float64
}

// Extension implements Renderer.
func (PNGRenderer) Extension() string { return ".png" }

// Render implements Renderer.
func (p PNGRenderer) Render(_ context.Context, r Report, w io.Writer) error {
	lines := sheetLines(r)
	height := int(2*pngMargin + pngLineHeight*float64(len(lines)+1))

	dc := gg.NewContext(pngWidth, height)
	dc.SetColor(color.White)
	dc.DrawRectangle(0, 0, pngWidth, float64(height))
	dc.Fill()

	if p.FontPath != "" {
		size := p.FontSize
		if size <= 0 {
			size = 14
		}
		if err := dc.LoadFontFace(p.FontPath, size); err != nil {
			return fmt.Errorf("load font: %w", err)
		}
	}

	// Header band.
	dc.SetColor(color.RGBA{R: 0x1f, G: 0x4e, B: 0x79, A: 0xff})
	dc.DrawRectangle(0, 0, pngWidth, pngMargin+pngLineHeight)
	dc.Fill()

	y := pngMargin
	for i, line := range lines {
		if i == 0 {
			dc.SetColor(color.White)
		} else {
			dc.SetColor(color.Black)
		}
		dc.DrawString(line, pngMargin, y)
		y += pngLineHeight
	}

	if err := dc.EncodePNG(w); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

func sheetLines(r Report) []string {
	lines := []string{
		fmt.Sprintf("Finalization report  %s", r.StudyID),
		fmt.Sprintf("Annotation version: %s    Author: %s    Generated: %s",
			r.AnnotVersion, r.Author, r.GeneratedAt.UTC().Format(time.RFC3339)),
		"",
	}
	for _, j := range r.Jobs {
		lines = append(lines, fmt.Sprintf("%s  %s  by %s  genes %d/%d",
			j.Pipeline, j.SubmittedAt.UTC().Format("2006-01-02 15:04"), j.Submitter, j.GenesStored, j.GenesAvailable))
	}
	lines = append(lines, "", fmt.Sprintf("Found subjects: %d", r.FoundCount()))
	for _, b := range r.Found {
		lines = append(lines, "  "+strings.Join(b, ", "))
	}
	lines = append(lines, "", fmt.Sprintf("Subjects not found: %d", r.NotFoundCount()))
	for _, b := range r.NotFound {
		lines = append(lines, "  "+strings.Join(b, ", "))
	}
	return lines
}

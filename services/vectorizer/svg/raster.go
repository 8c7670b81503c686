// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package svg

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
)

// Rasterize paints a coarse preview onto an RGBA image of the given
// size. It is a preview, not a renderer: rects, circles and ellipses
// are painted exactly; paths and lines are approximated by their
// bounding geometry. Shapes paint in document order.
func (d *Document) Rasterize(width, height int) *image.RGBA {
	if width <= 0 {
		width = 64
	}
	if height <= 0 {
		height = 64
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	bg, ok := ParseColor(d.Background)
	if !ok {
		bg = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	}
	fillRect(img, 0, 0, width, height, bg)

	if d.Width <= 0 || d.Height <= 0 {
		return img
	}
	sx := float64(width) / float64(d.Width)
	sy := float64(height) / float64(d.Height)

	for _, s := range d.Shapes {
		paintShape(img, s, sx, sy)
	}
	return img
}

// EncodePNG encodes an image as PNG bytes for the raster_preview
// response field.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// paintShape paints one shape scaled by (sx, sy).
func paintShape(img *image.RGBA, s Shape, sx, sy float64) {
	switch v := s.(type) {
	case Circle:
		c, ok := ParseColor(v.Fill)
		if !ok {
			c, ok = ParseColor(v.Stroke)
			if !ok {
				return
			}
		}
		fillEllipse(img, v.CX*sx, v.CY*sy, v.R*sx, v.R*sy, c)
	case Ellipse:
		c, ok := ParseColor(v.Fill)
		if !ok {
			return
		}
		fillEllipse(img, v.CX*sx, v.CY*sy, v.RX*sx, v.RY*sy, c)
	case Rect:
		c, ok := ParseColor(v.Fill)
		if !ok {
			return
		}
		fillRect(img,
			int(math.Floor(v.X*sx)), int(math.Floor(v.Y*sy)),
			int(math.Ceil((v.X+v.W)*sx)), int(math.Ceil((v.Y+v.H)*sy)), c)
	case Line:
		c, ok := ParseColor(v.Stroke)
		if !ok {
			return
		}
		drawSegment(img, v.X1*sx, v.Y1*sy, v.X2*sx, v.Y2*sy, c)
	case Polyline:
		c, ok := ParseColor(v.Stroke)
		if !ok {
			return
		}
		for i := 1; i < len(v.Points); i++ {
			drawSegment(img,
				v.Points[i-1].X*sx, v.Points[i-1].Y*sy,
				v.Points[i].X*sx, v.Points[i].Y*sy, c)
		}
	case Path:
		col, ok := ParseColor(v.Fill)
		if v.Closed && ok {
			bb := v.Bounds()
			fillRect(img,
				int(math.Floor(bb.MinX*sx)), int(math.Floor(bb.MinY*sy)),
				int(math.Ceil(bb.MaxX*sx)), int(math.Ceil(bb.MaxY*sy)), col)
			return
		}
		sc, ok := ParseColor(v.Stroke)
		if !ok {
			return
		}
		for i := 1; i < len(v.Points); i++ {
			drawSegment(img,
				v.Points[i-1].X*sx, v.Points[i-1].Y*sy,
				v.Points[i].X*sx, v.Points[i].Y*sy, sc)
		}
	}
}

// fillRect fills the clipped pixel rectangle [x0,x1)x[y0,y1).
func fillRect(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	b := img.Bounds()
	if x0 < b.Min.X {
		x0 = b.Min.X
	}
	if y0 < b.Min.Y {
		y0 = b.Min.Y
	}
	if x1 > b.Max.X {
		x1 = b.Max.X
	}
	if y1 > b.Max.Y {
		y1 = b.Max.Y
	}
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

// fillEllipse fills pixels inside the ellipse centered at (cx, cy).
func fillEllipse(img *image.RGBA, cx, cy, rx, ry float64, c color.RGBA) {
	if rx <= 0 || ry <= 0 {
		return
	}
	x0 := int(math.Floor(cx - rx))
	x1 := int(math.Ceil(cx + rx))
	y0 := int(math.Floor(cy - ry))
	y1 := int(math.Ceil(cy + ry))
	b := img.Bounds()
	for y := max(y0, b.Min.Y); y < min(y1, b.Max.Y); y++ {
		for x := max(x0, b.Min.X); x < min(x1, b.Max.X); x++ {
			dx := (float64(x) + 0.5 - cx) / rx
			dy := (float64(y) + 0.5 - cy) / ry
			if dx*dx+dy*dy <= 1 {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

// drawSegment draws a 1px segment by sampling along its length.
func drawSegment(img *image.RGBA, x0, y0, x1, y1 float64, c color.RGBA) {
	steps := int(math.Max(math.Abs(x1-x0), math.Abs(y1-y0))) + 1
	b := img.Bounds()
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := int(x0 + (x1-x0)*t)
		y := int(y0 + (y1-y0)*t)
		if x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y {
			img.SetRGBA(x, y, c)
		}
	}
}

// ParseColor parses "#rgb" and "#rrggbb" hex colors. Returns false for
// anything else, including named colors and the empty string.
func ParseColor(s string) (color.RGBA, bool) {
	if len(s) == 0 || s[0] != '#' {
		return color.RGBA{}, false
	}
	hex := s[1:]
	var r, g, b uint8
	switch len(hex) {
	case 3:
		rv, ok1 := hexNibble(hex[0])
		gv, ok2 := hexNibble(hex[1])
		bv, ok3 := hexNibble(hex[2])
		if !ok1 || !ok2 || !ok3 {
			return color.RGBA{}, false
		}
		r, g, b = rv*17, gv*17, bv*17
	case 6:
		rv, ok1 := hexByte(hex[0], hex[1])
		gv, ok2 := hexByte(hex[2], hex[3])
		bv, ok3 := hexByte(hex[4], hex[5])
		if !ok1 || !ok2 || !ok3 {
			return color.RGBA{}, false
		}
		r, g, b = rv, gv, bv
	default:
		return color.RGBA{}, false
	}
	return color.RGBA{R: r, G: g, B: b, A: 0xff}, true
}

func hexNibble(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func hexByte(hi, lo byte) (uint8, bool) {
	h, ok1 := hexNibble(hi)
	l, ok2 := hexNibble(lo)
	return h<<4 | l, ok1 && ok2
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package svg provides the structured vector document model shared by
// all pipeline stages. Backends compose and transform Documents; the
// renderer serializes them to standalone SVG markup and the rasterizer
// paints a coarse preview for the API's raster_preview field.
//
// The model is deliberately small: a flat shape list with no groups,
// transforms, or gradients. Stages that need richer output embed it in
// path geometry instead.
package svg

import (
	"fmt"
	"math"
	"strings"
)

// =============================================================================
// Geometry
// =============================================================================

// Point is a 2D coordinate in document units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// Width returns the horizontal extent.
func (b Bounds) Width() float64 { return b.MaxX - b.MinX }

// Height returns the vertical extent.
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }

// Area returns the bounding-box area.
func (b Bounds) Area() float64 { return b.Width() * b.Height() }

// =============================================================================
// Shapes
// =============================================================================

// Shape is one drawable element.
//
// Implementations are value types; Clone returns an independent copy
// so a stage can transform a document without corrupting the previous
// stage's artifact.
type Shape interface {
	// Render appends the shape's SVG element to b.
	Render(b *strings.Builder)

	// Bounds returns the shape's axis-aligned bounding box.
	Bounds() Bounds

	// Clone returns a deep copy.
	Clone() Shape
}

// Rect is an axis-aligned rectangle with optional corner radius.
type Rect struct {
	X, Y, W, H  float64
	Rx          float64
	Fill        string
	Stroke      string
	StrokeWidth float64
}

// Render appends a <rect> element.
func (r Rect) Render(b *strings.Builder) {
	fmt.Fprintf(b, `<rect x="%s" y="%s" width="%s" height="%s"`,
		fnum(r.X), fnum(r.Y), fnum(r.W), fnum(r.H))
	if r.Rx > 0 {
		fmt.Fprintf(b, ` rx="%s"`, fnum(r.Rx))
	}
	writeStyle(b, r.Fill, r.Stroke, r.StrokeWidth)
	b.WriteString("/>")
}

// Bounds returns the rectangle extent.
func (r Rect) Bounds() Bounds {
	return Bounds{MinX: r.X, MinY: r.Y, MaxX: r.X + r.W, MaxY: r.Y + r.H}
}

// Clone returns a copy.
func (r Rect) Clone() Shape { return r }

// Circle is a filled or stroked circle.
type Circle struct {
	CX, CY, R   float64
	Fill        string
	Stroke      string
	StrokeWidth float64
}

// Render appends a <circle> element.
func (c Circle) Render(b *strings.Builder) {
	fmt.Fprintf(b, `<circle cx="%s" cy="%s" r="%s"`, fnum(c.CX), fnum(c.CY), fnum(c.R))
	writeStyle(b, c.Fill, c.Stroke, c.StrokeWidth)
	b.WriteString("/>")
}

// Bounds returns the circle extent.
func (c Circle) Bounds() Bounds {
	return Bounds{MinX: c.CX - c.R, MinY: c.CY - c.R, MaxX: c.CX + c.R, MaxY: c.CY + c.R}
}

// Clone returns a copy.
func (c Circle) Clone() Shape { return c }

// Ellipse is an axis-aligned ellipse.
type Ellipse struct {
	CX, CY, RX, RY float64
	Fill           string
	Stroke         string
	StrokeWidth    float64
}

// Render appends an <ellipse> element.
func (e Ellipse) Render(b *strings.Builder) {
	fmt.Fprintf(b, `<ellipse cx="%s" cy="%s" rx="%s" ry="%s"`,
		fnum(e.CX), fnum(e.CY), fnum(e.RX), fnum(e.RY))
	writeStyle(b, e.Fill, e.Stroke, e.StrokeWidth)
	b.WriteString("/>")
}

// Bounds returns the ellipse extent.
func (e Ellipse) Bounds() Bounds {
	return Bounds{MinX: e.CX - e.RX, MinY: e.CY - e.RY, MaxX: e.CX + e.RX, MaxY: e.CY + e.RY}
}

// Clone returns a copy.
func (e Ellipse) Clone() Shape { return e }

// Line is a single stroked segment.
type Line struct {
	X1, Y1, X2, Y2 float64
	Stroke         string
	StrokeWidth    float64
}

// Render appends a <line> element.
func (l Line) Render(b *strings.Builder) {
	fmt.Fprintf(b, `<line x1="%s" y1="%s" x2="%s" y2="%s"`,
		fnum(l.X1), fnum(l.Y1), fnum(l.X2), fnum(l.Y2))
	writeStyle(b, "", l.Stroke, l.StrokeWidth)
	b.WriteString("/>")
}

// Bounds returns the segment extent.
func (l Line) Bounds() Bounds {
	return Bounds{
		MinX: math.Min(l.X1, l.X2), MinY: math.Min(l.Y1, l.Y2),
		MaxX: math.Max(l.X1, l.X2), MaxY: math.Max(l.Y1, l.Y2),
	}
}

// Clone returns a copy.
func (l Line) Clone() Shape { return l }

// Polyline is an open multi-segment stroke.
type Polyline struct {
	Points      []Point
	Stroke      string
	StrokeWidth float64
}

// Render appends a <polyline> element.
func (p Polyline) Render(b *strings.Builder) {
	if len(p.Points) == 0 {
		return
	}
	b.WriteString(`<polyline points="`)
	for i, pt := range p.Points {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(b, "%s,%s", fnum(pt.X), fnum(pt.Y))
	}
	b.WriteString(`"`)
	writeStyle(b, "none", p.Stroke, p.StrokeWidth)
	b.WriteString("/>")
}

// Bounds returns the extent of all points.
func (p Polyline) Bounds() Bounds {
	if len(p.Points) == 0 {
		return Bounds{}
	}
	bb := Bounds{
		MinX: p.Points[0].X, MinY: p.Points[0].Y,
		MaxX: p.Points[0].X, MaxY: p.Points[0].Y,
	}
	for _, pt := range p.Points[1:] {
		bb.MinX = math.Min(bb.MinX, pt.X)
		bb.MinY = math.Min(bb.MinY, pt.Y)
		bb.MaxX = math.Max(bb.MaxX, pt.X)
		bb.MaxY = math.Max(bb.MaxY, pt.Y)
	}
	return bb
}

// Clone returns a deep copy including the point slice.
func (p Polyline) Clone() Shape {
	pts := make([]Point, len(p.Points))
	copy(pts, p.Points)
	p.Points = pts
	return p
}

// Path is a point-based path rendered as move/line commands. Closed
// paths are filled; open paths are stroked only.
type Path struct {
	Points      []Point
	Closed      bool
	Fill        string
	Stroke      string
	StrokeWidth float64
}

// Render appends a <path> element using M/L commands (and Z when
// closed).
func (p Path) Render(b *strings.Builder) {
	if len(p.Points) == 0 {
		return
	}
	b.WriteString(`<path d="`)
	for i, pt := range p.Points {
		if i == 0 {
			fmt.Fprintf(b, "M%s %s", fnum(pt.X), fnum(pt.Y))
		} else {
			fmt.Fprintf(b, " L%s %s", fnum(pt.X), fnum(pt.Y))
		}
	}
	if p.Closed {
		b.WriteString(" Z")
	}
	b.WriteString(`"`)
	fill := p.Fill
	if !p.Closed {
		fill = "none"
	}
	writeStyle(b, fill, p.Stroke, p.StrokeWidth)
	b.WriteString("/>")
}

// Bounds returns the extent of all points.
func (p Path) Bounds() Bounds {
	if len(p.Points) == 0 {
		return Bounds{}
	}
	bb := Bounds{
		MinX: p.Points[0].X, MinY: p.Points[0].Y,
		MaxX: p.Points[0].X, MaxY: p.Points[0].Y,
	}
	for _, pt := range p.Points[1:] {
		bb.MinX = math.Min(bb.MinX, pt.X)
		bb.MinY = math.Min(bb.MinY, pt.Y)
		bb.MaxX = math.Max(bb.MaxX, pt.X)
		bb.MaxY = math.Max(bb.MaxY, pt.Y)
	}
	return bb
}

// Clone returns a deep copy including the point slice.
func (p Path) Clone() Shape {
	pts := make([]Point, len(p.Points))
	copy(pts, p.Points)
	p.Points = pts
	return p
}

// =============================================================================
// Document
// =============================================================================

// Document is a flat ordered list of shapes on a fixed canvas.
// Later shapes paint over earlier ones.
type Document struct {
	Width      int
	Height     int
	Background string
	Title      string
	Shapes     []Shape
}

// New creates an empty document with the given canvas size.
func New(width, height int) *Document {
	return &Document{Width: width, Height: height}
}

// Add appends shapes in paint order.
func (d *Document) Add(shapes ...Shape) {
	d.Shapes = append(d.Shapes, shapes...)
}

// ShapeCount returns the number of shapes.
func (d *Document) ShapeCount() int { return len(d.Shapes) }

// Clone returns a deep copy. Stages clone their input so a failed
// transformation never corrupts the previous stage's artifact.
func (d *Document) Clone() *Document {
	out := &Document{
		Width:      d.Width,
		Height:     d.Height,
		Background: d.Background,
		Title:      d.Title,
	}
	out.Shapes = make([]Shape, len(d.Shapes))
	for i, s := range d.Shapes {
		out.Shapes[i] = s.Clone()
	}
	return out
}

// Render serializes the document to standalone SVG markup. The title
// is XML-escaped, so prompt-derived text cannot inject elements.
func (d *Document) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b,
		`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`,
		d.Width, d.Height, d.Width, d.Height)
	if d.Title != "" {
		fmt.Fprintf(&b, "<title>%s</title>", Escape(d.Title))
	}
	if d.Background != "" {
		fmt.Fprintf(&b, `<rect width="%d" height="%d" fill="%s"/>`, d.Width, d.Height, d.Background)
	}
	for _, s := range d.Shapes {
		s.Render(&b)
	}
	b.WriteString("</svg>")
	return b.String()
}

// =============================================================================
// Helpers
// =============================================================================

// Escape replaces XML special characters in text content.
func Escape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}

// fnum formats a coordinate without trailing zeros.
func fnum(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e9 {
		return fmt.Sprintf("%d", int64(f))
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", f), "0"), ".")
}

// writeStyle appends fill/stroke attributes. Empty fill on a fillable
// shape renders as "none" so strokes stay visible.
func writeStyle(b *strings.Builder, fill, stroke string, strokeWidth float64) {
	if fill != "" {
		fmt.Fprintf(b, ` fill="%s"`, fill)
	}
	if stroke != "" {
		fmt.Fprintf(b, ` stroke="%s"`, stroke)
		if strokeWidth > 0 {
			fmt.Fprintf(b, ` stroke-width="%s"`, fnum(strokeWidth))
		}
	}
}

// Package diagram edits the vector annotation layer drawn over diagrams.
// All coordinates are normalized to the unit square.
package diagram

import (
	"math"

	"collabink/internal/protocol"
)

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// Center returns the middle of the box.
func (b Bounds) Center() protocol.Point {
	return protocol.Point{X: (b.MinX + b.MaxX) / 2, Y: (b.MinY + b.MaxY) / 2}
}

// Width and Height of the box.
func (b Bounds) Width() float64  { return b.MaxX - b.MinX }
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }

func boundsOf(points []protocol.Point) Bounds {
	if len(points) == 0 {
		return Bounds{}
	}
	b := Bounds{MinX: points[0].X, MinY: points[0].Y, MaxX: points[0].X, MaxY: points[0].Y}
	for _, p := range points[1:] {
		b.MinX = math.Min(b.MinX, p.X)
		b.MinY = math.Min(b.MinY, p.Y)
		b.MaxX = math.Max(b.MaxX, p.X)
		b.MaxY = math.Max(b.MaxY, p.Y)
	}
	return b
}

func distance(a, b protocol.Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// segmentDistance is the distance from p to the segment ab.
func segmentDistance(p, a, b protocol.Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	lengthSq := dx*dx + dy*dy
	if lengthSq == 0 {
		return distance(p, a)
	}
	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / lengthSq
	t = math.Max(0, math.Min(1, t))
	return distance(p, protocol.Point{X: a.X + t*dx, Y: a.Y + t*dy})
}

// polylineDistance is the minimum distance from p to any segment of the
// polyline, or to its only point.
func polylineDistance(p protocol.Point, points []protocol.Point) float64 {
	switch len(points) {
	case 0:
		return math.Inf(1)
	case 1:
		return distance(p, points[0])
	}
	best := math.Inf(1)
	for i := 1; i < len(points); i++ {
		best = math.Min(best, segmentDistance(p, points[i-1], points[i]))
	}
	return best
}

func clamp01(v float64) float64 { return math.Max(0, math.Min(1, v)) }

func clampPoint(p protocol.Point) protocol.Point {
	return protocol.Point{X: clamp01(p.X), Y: clamp01(p.Y)}
}

func mapPoints(points []protocol.Point, fn func(protocol.Point) protocol.Point) []protocol.Point {
	out := make([]protocol.Point, len(points))
	for i, p := range points {
		out[i] = clampPoint(fn(p))
	}
	return out
}

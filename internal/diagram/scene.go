package diagram

import (
	"errors"
	"math"

	"collabink/internal/protocol"
)

// Shape kinds.
const (
	KindStroke = "stroke"
	KindArrow  = "arrow"
)

// Hit-test thresholds in normalized units.
const (
	SelectThreshold = 0.02
	EraseThreshold  = 0.045
	// MinScaleDelta keeps a scaled shape from collapsing or inverting.
	MinScaleDelta = 0.01
)

var (
	ErrNotFound        = errors.New("shape not found")
	ErrLocked          = errors.New("shape is locked")
	ErrNothingSelected = errors.New("nothing selected")
)

// Selection names one shape.
type Selection struct {
	Kind string
	ID   string
}

// Hit is a hit-test result.
type Hit struct {
	Selection
	Distance float64
	Z        float64
	Locked   bool
}

type candidate struct {
	hit   Hit
	order int
}

func candidates(a protocol.Annotations, p protocol.Point, threshold float64) []candidate {
	var out []candidate
	order := 0
	for _, s := range a.Strokes {
		if d := polylineDistance(p, s.Points); d <= threshold {
			out = append(out, candidate{hit: Hit{Selection{KindStroke, s.ID}, d, s.Z, s.Locked}, order: order})
		}
		order++
	}
	for _, ar := range a.Arrows {
		if d := segmentDistance(p, ar.Start, ar.End); d <= threshold {
			out = append(out, candidate{hit: Hit{Selection{KindArrow, ar.ID}, d, ar.Z, ar.Locked}, order: order})
		}
		order++
	}
	return out
}

// HitTest returns the frontmost shape within threshold of p: highest z
// first, then smallest distance, then strokes before arrows in
// insertion order.
func HitTest(a protocol.Annotations, p protocol.Point, threshold float64) (Hit, bool) {
	var best *candidate
	for _, c := range candidates(a, p, threshold) {
		c := c
		if best == nil ||
			c.hit.Z > best.hit.Z ||
			(c.hit.Z == best.hit.Z && c.hit.Distance < best.hit.Distance) {
			best = &c
		}
	}
	if best == nil {
		return Hit{}, false
	}
	return best.hit, true
}

// nearestUnlocked returns the closest unlocked shape within threshold.
func nearestUnlocked(a protocol.Annotations, p protocol.Point, threshold float64) (Hit, bool) {
	var best *candidate
	for _, c := range candidates(a, p, threshold) {
		c := c
		if c.hit.Locked {
			continue
		}
		if best == nil || c.hit.Distance < best.hit.Distance {
			best = &c
		}
	}
	if best == nil {
		return Hit{}, false
	}
	return best.hit, true
}

func strokeIndex(a protocol.Annotations, id string) int {
	for i, s := range a.Strokes {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func arrowIndex(a protocol.Annotations, id string) int {
	for i, ar := range a.Arrows {
		if ar.ID == id {
			return i
		}
	}
	return -1
}

// Find reports whether sel exists and whether it is locked.
func Find(a protocol.Annotations, sel Selection) (found, locked bool) {
	switch sel.Kind {
	case KindStroke:
		if i := strokeIndex(a, sel.ID); i >= 0 {
			return true, a.Strokes[i].Locked
		}
	case KindArrow:
		if i := arrowIndex(a, sel.ID); i >= 0 {
			return true, a.Arrows[i].Locked
		}
	}
	return false, false
}

// ShapeBounds returns the bounding box of sel.
func ShapeBounds(a protocol.Annotations, sel Selection) (Bounds, error) {
	switch sel.Kind {
	case KindStroke:
		if i := strokeIndex(a, sel.ID); i >= 0 {
			return boundsOf(a.Strokes[i].Points), nil
		}
	case KindArrow:
		if i := arrowIndex(a, sel.ID); i >= 0 {
			return boundsOf([]protocol.Point{a.Arrows[i].Start, a.Arrows[i].End}), nil
		}
	}
	return Bounds{}, ErrNotFound
}

// transform returns a copy of a with fn applied to every point of sel.
// Locked shapes are refused unless allowLocked is set.
func transform(a protocol.Annotations, sel Selection, allowLocked bool, fn func(protocol.Point) protocol.Point) (protocol.Annotations, error) {
	found, locked := Find(a, sel)
	if !found {
		return a, ErrNotFound
	}
	if locked && !allowLocked {
		return a, ErrLocked
	}
	out := a.Clone()
	switch sel.Kind {
	case KindStroke:
		i := strokeIndex(out, sel.ID)
		out.Strokes[i].Points = mapPoints(out.Strokes[i].Points, fn)
	case KindArrow:
		i := arrowIndex(out, sel.ID)
		out.Arrows[i].Start = clampPoint(fn(out.Arrows[i].Start))
		out.Arrows[i].End = clampPoint(fn(out.Arrows[i].End))
	}
	return out, nil
}

// Move translates sel by (dx, dy), limited so it stays on the diagram.
func Move(a protocol.Annotations, sel Selection, dx, dy float64) (protocol.Annotations, error) {
	b, err := ShapeBounds(a, sel)
	if err != nil {
		return a, err
	}
	dx = math.Max(-b.MinX, math.Min(1-b.MaxX, dx))
	dy = math.Max(-b.MinY, math.Min(1-b.MaxY, dy))
	return transform(a, sel, false, func(p protocol.Point) protocol.Point {
		return protocol.Point{X: p.X + dx, Y: p.Y + dy}
	})
}

// Handle is a bounding-box corner grabbed for scaling.
type Handle int

const (
	HandleTopLeft Handle = iota
	HandleTopRight
	HandleBottomLeft
	HandleBottomRight
)

// corners returns the grabbed corner and the opposite one (the anchor).
func (h Handle) corners(b Bounds) (corner, anchor protocol.Point) {
	switch h {
	case HandleTopLeft:
		return protocol.Point{X: b.MinX, Y: b.MinY}, protocol.Point{X: b.MaxX, Y: b.MaxY}
	case HandleTopRight:
		return protocol.Point{X: b.MaxX, Y: b.MinY}, protocol.Point{X: b.MinX, Y: b.MaxY}
	case HandleBottomLeft:
		return protocol.Point{X: b.MinX, Y: b.MaxY}, protocol.Point{X: b.MaxX, Y: b.MinY}
	default:
		return protocol.Point{X: b.MaxX, Y: b.MaxY}, protocol.Point{X: b.MinX, Y: b.MinY}
	}
}

// scaleFactor is the ratio of the dragged extent to the original one
// along one axis. A degenerate original axis does not scale; the dragged
// extent never drops below MinScaleDelta or crosses the anchor.
func scaleFactor(current, corner, anchor float64) float64 {
	original := corner - anchor
	if math.Abs(original) < MinScaleDelta {
		return 1
	}
	dragged := current - anchor
	sign := math.Copysign(1, original)
	if dragged*sign < MinScaleDelta {
		dragged = sign * MinScaleDelta
	}
	return dragged / original
}

// Scale resizes sel as if handle were dragged to current, anchored at
// the opposite corner of its bounding box.
func Scale(a protocol.Annotations, sel Selection, handle Handle, current protocol.Point) (protocol.Annotations, error) {
	b, err := ShapeBounds(a, sel)
	if err != nil {
		return a, err
	}
	corner, anchor := handle.corners(b)
	sx := scaleFactor(current.X, corner.X, anchor.X)
	sy := scaleFactor(current.Y, corner.Y, anchor.Y)
	return transform(a, sel, false, func(p protocol.Point) protocol.Point {
		return protocol.Point{
			X: anchor.X + (p.X-anchor.X)*sx,
			Y: anchor.Y + (p.Y-anchor.Y)*sy,
		}
	})
}

// FlipHorizontal mirrors sel about the vertical line through its center.
func FlipHorizontal(a protocol.Annotations, sel Selection) (protocol.Annotations, error) {
	b, err := ShapeBounds(a, sel)
	if err != nil {
		return a, err
	}
	c := b.Center()
	return transform(a, sel, false, func(p protocol.Point) protocol.Point {
		return protocol.Point{X: 2*c.X - p.X, Y: p.Y}
	})
}

// FlipVertical mirrors sel about the horizontal line through its center.
func FlipVertical(a protocol.Annotations, sel Selection) (protocol.Annotations, error) {
	b, err := ShapeBounds(a, sel)
	if err != nil {
		return a, err
	}
	c := b.Center()
	return transform(a, sel, false, func(p protocol.Point) protocol.Point {
		return protocol.Point{X: p.X, Y: 2*c.Y - p.Y}
	})
}

// Rotate90 turns sel a quarter turn clockwise (y grows downward) about
// its bounding-box center.
func Rotate90(a protocol.Annotations, sel Selection) (protocol.Annotations, error) {
	b, err := ShapeBounds(a, sel)
	if err != nil {
		return a, err
	}
	c := b.Center()
	return transform(a, sel, false, func(p protocol.Point) protocol.Point {
		return protocol.Point{X: c.X - (p.Y - c.Y), Y: c.Y + (p.X - c.X)}
	})
}

// zRange returns the lowest and highest z in the scene.
func zRange(a protocol.Annotations) (lo, hi float64) {
	first := true
	visit := func(z float64) {
		if first {
			lo, hi, first = z, z, false
			return
		}
		lo, hi = math.Min(lo, z), math.Max(hi, z)
	}
	for _, s := range a.Strokes {
		visit(s.Z)
	}
	for _, ar := range a.Arrows {
		visit(ar.Z)
	}
	return lo, hi
}

func setZ(a protocol.Annotations, sel Selection, z float64) (protocol.Annotations, error) {
	out := a.Clone()
	switch sel.Kind {
	case KindStroke:
		if i := strokeIndex(out, sel.ID); i >= 0 {
			out.Strokes[i].Z = z
			return out, nil
		}
	case KindArrow:
		if i := arrowIndex(out, sel.ID); i >= 0 {
			out.Arrows[i].Z = z
			return out, nil
		}
	}
	return a, ErrNotFound
}

// BringToFront puts sel above every other shape.
func BringToFront(a protocol.Annotations, sel Selection) (protocol.Annotations, error) {
	_, hi := zRange(a)
	return setZ(a, sel, hi+1)
}

// SendToBack puts sel below every other shape.
func SendToBack(a protocol.Annotations, sel Selection) (protocol.Annotations, error) {
	lo, _ := zRange(a)
	return setZ(a, sel, lo-1)
}

// SetLocked locks or unlocks sel.
func SetLocked(a protocol.Annotations, sel Selection, locked bool) (protocol.Annotations, error) {
	out := a.Clone()
	switch sel.Kind {
	case KindStroke:
		if i := strokeIndex(out, sel.ID); i >= 0 {
			out.Strokes[i].Locked = locked
			return out, nil
		}
	case KindArrow:
		if i := arrowIndex(out, sel.ID); i >= 0 {
			out.Arrows[i].Locked = locked
			return out, nil
		}
	}
	return a, ErrNotFound
}

// Remove deletes sel.
func Remove(a protocol.Annotations, sel Selection) (protocol.Annotations, error) {
	out := a.Clone()
	switch sel.Kind {
	case KindStroke:
		if i := strokeIndex(out, sel.ID); i >= 0 {
			out.Strokes = append(out.Strokes[:i], out.Strokes[i+1:]...)
			return out, nil
		}
	case KindArrow:
		if i := arrowIndex(out, sel.ID); i >= 0 {
			out.Arrows = append(out.Arrows[:i], out.Arrows[i+1:]...)
			return out, nil
		}
	}
	return a, ErrNotFound
}

// Erase removes the unlocked shape nearest to p within EraseThreshold.
func Erase(a protocol.Annotations, p protocol.Point) (protocol.Annotations, Selection, bool) {
	hit, ok := nearestUnlocked(a, p, EraseThreshold)
	if !ok {
		return a, Selection{}, false
	}
	out, err := Remove(a, hit.Selection)
	if err != nil {
		return a, Selection{}, false
	}
	return out, hit.Selection, true
}

// Smooth applies a three-point moving average to an unlocked stroke,
// keeping its endpoints.
func Smooth(a protocol.Annotations, id string) (protocol.Annotations, error) {
	i := strokeIndex(a, id)
	if i < 0 {
		return a, ErrNotFound
	}
	if a.Strokes[i].Locked {
		return a, ErrLocked
	}
	out := a.Clone()
	pts := out.Strokes[i].Points
	if len(pts) < 3 {
		return out, nil
	}
	smoothed := make([]protocol.Point, len(pts))
	smoothed[0], smoothed[len(pts)-1] = pts[0], pts[len(pts)-1]
	for j := 1; j < len(pts)-1; j++ {
		smoothed[j] = protocol.Point{
			X: (pts[j-1].X + pts[j].X + pts[j+1].X) / 3,
			Y: (pts[j-1].Y + pts[j].Y + pts[j+1].Y) / 3,
		}
	}
	out.Strokes[i].Points = smoothed
	return out, nil
}

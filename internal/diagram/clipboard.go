package diagram

import (
	"collabink/internal/protocol"
)

// Clip is a copied shape. Exactly one field is set.
type Clip struct {
	Stroke *protocol.Stroke
	Arrow  *protocol.Arrow
}

// CopyShape returns a deep copy of sel.
func CopyShape(a protocol.Annotations, sel Selection) (Clip, error) {
	switch sel.Kind {
	case KindStroke:
		if i := strokeIndex(a, sel.ID); i >= 0 {
			s := a.Strokes[i].Clone()
			return Clip{Stroke: &s}, nil
		}
	case KindArrow:
		if i := arrowIndex(a, sel.ID); i >= 0 {
			ar := a.Arrows[i]
			return Clip{Arrow: &ar}, nil
		}
	}
	return Clip{}, ErrNotFound
}

// PasteShape inserts clip under newID in front of everything, centred
// on at. The pasted shape starts unlocked.
func PasteShape(a protocol.Annotations, clip Clip, newID string, at protocol.Point) (protocol.Annotations, Selection, error) {
	_, hi := zRange(a)
	z := hi + 1
	out := a.Clone()

	switch {
	case clip.Stroke != nil:
		s := clip.Stroke.Clone()
		c := boundsOf(s.Points).Center()
		dx, dy := at.X-c.X, at.Y-c.Y
		s.Points = mapPoints(s.Points, func(p protocol.Point) protocol.Point {
			return protocol.Point{X: p.X + dx, Y: p.Y + dy}
		})
		s.ID, s.Z, s.Locked = newID, z, false
		out.Strokes = append(out.Strokes, s)
		return out, Selection{KindStroke, newID}, nil
	case clip.Arrow != nil:
		ar := *clip.Arrow
		c := boundsOf([]protocol.Point{ar.Start, ar.End}).Center()
		dx, dy := at.X-c.X, at.Y-c.Y
		ar.Start = clampPoint(protocol.Point{X: ar.Start.X + dx, Y: ar.Start.Y + dy})
		ar.End = clampPoint(protocol.Point{X: ar.End.X + dx, Y: ar.End.Y + dy})
		ar.ID, ar.Z, ar.Locked = newID, z, false
		out.Arrows = append(out.Arrows, ar)
		return out, Selection{KindArrow, newID}, nil
	}
	return a, Selection{}, ErrNothingSelected
}

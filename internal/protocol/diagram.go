package protocol

// Point is a coordinate normalized to the unit square.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is a freehand polyline on a diagram.
type Stroke struct {
	ID     string  `json:"id"`
	Color  string  `json:"color"`
	Width  float64 `json:"width"`
	Points []Point `json:"points"`
	Z      float64 `json:"z,omitempty"`
	Locked bool    `json:"locked,omitempty"`
}

// Arrow is a straight arrow with a head at End.
type Arrow struct {
	ID       string  `json:"id"`
	Color    string  `json:"color"`
	Width    float64 `json:"width"`
	HeadSize float64 `json:"headSize"`
	Start    Point   `json:"start"`
	End      Point   `json:"end"`
	Z        float64 `json:"z,omitempty"`
	Locked   bool    `json:"locked,omitempty"`
}

// Annotations is the vector layer drawn over one diagram.
type Annotations struct {
	Strokes []Stroke `json:"strokes"`
	Arrows  []Arrow  `json:"arrows"`
}

// Clone returns a deep copy.
func (a Annotations) Clone() Annotations {
	out := Annotations{
		Strokes: make([]Stroke, len(a.Strokes)),
		Arrows:  make([]Arrow, len(a.Arrows)),
	}
	for i, s := range a.Strokes {
		out.Strokes[i] = s.Clone()
	}
	copy(out.Arrows, a.Arrows)
	return out
}

// Clone returns a deep copy of the stroke.
func (s Stroke) Clone() Stroke {
	s.Points = append([]Point(nil), s.Points...)
	return s
}

// Diagram is a background image with its annotation layer.
type Diagram struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"sessionId"`
	Title       string      `json:"title"`
	ImageURL    string      `json:"imageUrl"`
	Annotations Annotations `json:"annotations"`
}

// Diagram message kinds.
const (
	DiagramState          = "state"
	DiagramAdd            = "add"
	DiagramRemove         = "remove"
	DiagramStrokeCommit   = "stroke-commit"
	DiagramAnnotationsSet = "annotations-set"
	DiagramClear          = "clear"
)

// DiagramMessage is the payload of the diagram topic.
type DiagramMessage struct {
	Kind      string `json:"kind"`
	Sender    string `json:"sender"`
	DiagramID string `json:"diagramId,omitempty"`

	// state
	Diagrams []Diagram `json:"diagrams,omitempty"`
	ActiveID string    `json:"activeId,omitempty"`
	// add
	Diagram *Diagram `json:"diagram,omitempty"`
	// stroke-commit
	Stroke *Stroke `json:"stroke,omitempty"`
	// annotations-set
	Annotations *Annotations `json:"annotations,omitempty"`
}

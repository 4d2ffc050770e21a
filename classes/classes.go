// Package classes - Semantic class labels and their overlay colors.
package classes

import "fmt"

// Class represents one semantic segmentation label.
type Class struct {
	// The integer index produced along the class dimension of the model output.
	Index int
	// The human-readable label.
	Name string
}

// Set ties a label family to its full list of classes.
type Set struct {
	// Family identifier, e.g. "voc".
	Family string
	// Classes that are supported and mappable, ordered by index.
	Classes []Class
	// nameToIdx for fast lookup by name
	nameToIdx map[string]int
}

// VOC is the 21-class Pascal VOC label set used by the DeepLab family of
// mobile segmentation models.
var VOC = NewSet("voc",
	"background", "aeroplane", "bicycle", "bird", "boat", "bottle", "bus",
	"car", "cat", "chair", "cow", "dining table", "dog", "horse", "motorbike",
	"person", "potted plant", "sheep", "sofa", "train", "tv",
)

// NewSet builds a label set where each name receives its position as index.
//
// Arguments:
//   - family: The label family identifier.
//   - names: The class names in index order.
//
// Returns:
//   - *Set: The label set with its name index built.
func NewSet(family string, names ...string) *Set {
	s := &Set{Family: family, Classes: make([]Class, len(names))}
	for i, n := range names {
		s.Classes[i] = Class{Index: i, Name: n}
	}
	s.buildNameIndexMap()
	return s
}

func (s *Set) buildNameIndexMap() {
	s.nameToIdx = make(map[string]int, len(s.Classes))
	for _, c := range s.Classes {
		s.nameToIdx[c.Name] = c.Index
	}
}

// Len returns the number of named classes.
func (s *Set) Len() int {
	return len(s.Classes)
}

// Name returns the display name for idx. Indices outside the set resolve to a
// synthetic "class N" name so the caller always has something to present.
func (s *Set) Name(idx int) string {
	if idx >= 0 && idx < len(s.Classes) {
		return s.Classes[idx].Name
	}
	return fmt.Sprintf("class %d", idx)
}

// Index returns the class index for a given name.
func (s *Set) Index(name string) (int, error) {
	idx, ok := s.nameToIdx[name]
	if !ok {
		return -1, fmt.Errorf("name %q not found in family %q", name, s.Family)
	}
	return idx, nil
}

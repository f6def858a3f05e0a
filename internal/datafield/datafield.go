package datafield

import (
	"fmt"
	"strconv"
	"strings"

	"std2bids/internal/services"
)

// Category is a UK Biobank bulk field id.
type Category int

// Categories in the order they are requested from the biobank. The order is
// also the order descriptors are listed for a subject.
var categories = []Category{
	// Functional brain images - resting - NIFTI
	20227,
	// Functional brain images - task - NIFTI
	20249,
	// T1 structural brain images - NIFTI
	20252,
	// T1 surface model files and additional structural segmentations (FreeSurfer)
	20263,
	// rfMRI full correlation matrix, dimension 25
	25750,
	// rfMRI full correlation matrix, dimension 100
	25751,
	// rfMRI partial correlation matrix, dimension 25
	25752,
	// rfMRI partial correlation matrix, dimension 100
	25753,
	// rfMRI component amplitudes, dimension 25
	25754,
	// rfMRI component amplitudes, dimension 100
	25755,
	// MNI Native Transform
	31000,
	// native dMRI parcellations
	31001, 31002, 31003, 31004, 31005, 31006, 31007, 31008,
	// native SF parcellations
	31009, 31010, 31011, 31012, 31013,
	// fMRI timeseries
	31014, 31015, 31016, 31017, 31018, 31019,
	// connectomes
	31020, 31021, 31022, 31023, 31024, 31025, 31026,
	// Tractography endpoints coordinates
	31027,
	// Tractography quality metrics
	31028,
}

var categoryIndex = func() map[Category]int {
	idx := make(map[Category]int, len(categories))
	for i, c := range categories {
		idx[c] = i
	}
	return idx
}()

// T1Structural is the category every admitted subject must have.
const T1Structural Category = 20252

const (
	textRangeStart Category = 25750
	textRangeEnd   Category = 25755
)

// Categories returns the known categories in request order.
func Categories() []Category {
	return append([]Category(nil), categories...)
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	_, ok := categoryIndex[c]
	return ok
}

// Order is the position of c in request order, or -1 when unknown.
func (c Category) Order() int {
	if i, ok := categoryIndex[c]; ok {
		return i
	}
	return -1
}

func (c Category) String() string { return strconv.Itoa(int(c)) }

// Instance is the imaging visit: 2 for the first imaging visit, 3 for the repeat.
type Instance int

// Valid reports whether i is an imaging instance.
func (i Instance) Valid() bool { return i == 2 || i == 3 }

// Descriptor identifies one downloadable bulk item for a subject.
type Descriptor struct {
	Category Category
	Instance Instance
	Array    int
}

// New validates and builds a Descriptor.
func New(category Category, instance Instance, array int) (Descriptor, error) {
	if !category.Valid() {
		return Descriptor{}, fmt.Errorf("%w: unknown field category %d", services.ErrValidation, category)
	}
	if !instance.Valid() {
		return Descriptor{}, fmt.Errorf("%w: field %d: instance must be 2 or 3, got %d", services.ErrValidation, category, instance)
	}
	if array < 0 {
		return Descriptor{}, fmt.Errorf("%w: field %d: negative array index %d", services.ErrValidation, category, array)
	}
	return Descriptor{Category: category, Instance: instance, Array: array}, nil
}

// ParseKey parses a canonical "{category}_{instance}_{array}" key.
func ParseKey(key string) (Descriptor, error) {
	tokens := strings.Split(key, "_")
	if len(tokens) != 3 {
		return Descriptor{}, fmt.Errorf("%w: field key %q: want 3 underscore-separated tokens, got %d", services.ErrValidation, key, len(tokens))
	}
	values := make([]int, 3)
	for i, token := range tokens {
		v, err := strconv.Atoi(token)
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: field key %q: token %q is not an integer", services.ErrValidation, key, token)
		}
		values[i] = v
	}
	return New(Category(values[0]), Instance(values[1]), values[2])
}

// ParseColumn parses a source column header of the form
// "{category}-{instance}.{array}". ok is false when the header does not have
// that shape or names an unknown category.
func ParseColumn(name string) (d Descriptor, ok bool) {
	catPart, rest, found := strings.Cut(name, "-")
	if !found {
		return Descriptor{}, false
	}
	instPart, arrayPart, found := strings.Cut(rest, ".")
	if !found {
		return Descriptor{}, false
	}
	cat, err1 := strconv.Atoi(catPart)
	inst, err2 := strconv.Atoi(instPart)
	arr, err3 := strconv.Atoi(arrayPart)
	if err1 != nil || err2 != nil || err3 != nil {
		return Descriptor{}, false
	}
	d, err := New(Category(cat), Instance(inst), arr)
	if err != nil {
		return Descriptor{}, false
	}
	return d, true
}

// Key is the canonical string form.
func (d Descriptor) Key() string {
	return fmt.Sprintf("%d_%d_%d", d.Category, d.Instance, d.Array)
}

func (d Descriptor) String() string { return d.Key() }

// Extension is "txt" for the rfMRI matrix categories and "zip" otherwise.
func (d Descriptor) Extension() string {
	if d.Category >= textRangeStart && d.Category <= textRangeEnd {
		return "txt"
	}
	return "zip"
}

// Filename is the name ukbfetch writes for this descriptor and subject.
func (d Descriptor) Filename(subject string) string {
	return fmt.Sprintf("%s_%s.%s", subject, d.Key(), d.Extension())
}

// Column is the source column header for d.
func (d Descriptor) Column() string {
	return fmt.Sprintf("%d-%d.%d", d.Category, d.Instance, d.Array)
}

// Keys maps descriptors to their canonical keys, preserving order.
func Keys(ds []Descriptor) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Key())
	}
	return out
}

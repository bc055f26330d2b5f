// Package features turns per-frame face landmarks into telemetry payloads.
//
// Two strategies are supported. Raw mode forwards a fixed allow-list of
// landmarks rounded to four decimals. Derived mode computes the eye aspect
// ratio (EAR) of both eyes and forwards only those two scalars.
package features

import (
	"errors"
	"fmt"
	"math"
)

// Point is a normalized landmark coordinate as produced by the detector.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// KeyIndices is the landmark allow-list transmitted in raw mode.
var KeyIndices = []int{
	1, 6, 10, 13, 14, 33, 61, 81, 133, 144, 152, 153, 158, 160, 178,
	234, 263, 291, 311, 362, 373, 380, 385, 387, 402, 454,
}

// Eye landmark sets ordered p1..p6: the horizontal corners are p1 and p4.
var (
	LeftEyeIndices  = [6]int{362, 385, 387, 263, 373, 380}
	RightEyeIndices = [6]int{33, 160, 158, 133, 153, 144}
)

// MouthIndices is ordered corners first, then the three upper and three
// lower lip points.
var MouthIndices = [8]int{61, 291, 13, 81, 178, 14, 311, 402}

const (
	noseIndex       = 1
	leftCheekIndex  = 234
	rightCheekIndex = 454
)

// ErrMalformed marks landmark input that cannot yield a feature value.
var ErrMalformed = errors.New("malformed landmarks")

// Landmarks gives indexed access to a set of points.
type Landmarks interface {
	At(index int) (Point, bool)
}

// Frame is the dense landmark list of a single detection, indexed by
// landmark number.
type Frame []Point

// At implements Landmarks.
func (f Frame) At(index int) (Point, bool) {
	if index < 0 || index >= len(f) {
		return Point{}, false
	}
	return f[index], true
}

// Sparse is a landmark set keyed by index, as received on the relay side.
type Sparse map[int]Point

// At implements Landmarks.
func (s Sparse) At(index int) (Point, bool) {
	p, ok := s[index]
	return p, ok
}

func distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

func finite(p Point) bool {
	for _, v := range [...]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func collect(l Landmarks, indices []int) ([]Point, error) {
	pts := make([]Point, len(indices))
	for i, idx := range indices {
		p, ok := l.At(idx)
		if !ok {
			return nil, fmt.Errorf("%w: index %d missing", ErrMalformed, idx)
		}
		if !finite(p) {
			return nil, fmt.Errorf("%w: index %d not finite", ErrMalformed, idx)
		}
		pts[i] = p
	}
	return pts, nil
}

// EyeAspectRatio computes (d(p2,p6)+d(p3,p5)) / (2*d(p1,p4)) over 2-D
// distances. A zero horizontal distance is reported as ErrMalformed.
func EyeAspectRatio(l Landmarks, eye [6]int) (float64, error) {
	p, err := collect(l, eye[:])
	if err != nil {
		return 0, err
	}
	horizontal := distance(p[0], p[3])
	if horizontal == 0 {
		return 0, fmt.Errorf("%w: zero eye width", ErrMalformed)
	}
	return (distance(p[1], p[5]) + distance(p[2], p[4])) / (2 * horizontal), nil
}

// MouthAspectRatio returns the mean lip opening relative to mouth width,
// or 0 when the mouth points are missing or degenerate.
func MouthAspectRatio(l Landmarks) float64 {
	p, err := collect(l, MouthIndices[:])
	if err != nil {
		return 0
	}
	horizontal := distance(p[0], p[1])
	if horizontal == 0 {
		return 0
	}
	return (distance(p[2], p[5]) + distance(p[3], p[6]) + distance(p[4], p[7])) / (3 * horizontal)
}

// HeadYaw estimates left/right head rotation from the nose position
// between both cheeks. The result lies in [-1, 1]; 0 means facing forward
// or not enough data.
func HeadYaw(l Landmarks) float64 {
	p, err := collect(l, []int{noseIndex, leftCheekIndex, rightCheekIndex})
	if err != nil {
		return 0
	}
	left := math.Abs(p[0].X - p[1].X)
	right := math.Abs(p[2].X - p[0].X)
	if left+right == 0 {
		return 0
	}
	return (right - left) / (left + right)
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

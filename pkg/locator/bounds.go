package locator

import (
	"fmt"
	"regexp"
	"strconv"
)

var boundsPattern = regexp.MustCompile(`\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]`)

// Bounds is an element rectangle in screen pixels.
type Bounds struct {
	Left, Top, Right, Bottom int
}

// Point is a tap target.
type Point struct {
	X, Y int
}

func (p Point) String() string { return fmt.Sprintf("%d,%d", p.X, p.Y) }

// ParseBounds parses Android bounds "[x1,y1][x2,y2]".
func ParseBounds(s string) (Bounds, bool) {
	m := boundsPattern.FindStringSubmatch(s)
	if len(m) != 5 {
		return Bounds{}, false
	}
	var v [4]int
	for i := 0; i < 4; i++ {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Bounds{}, false
		}
		v[i] = n
	}
	return Bounds{Left: v[0], Top: v[1], Right: v[2], Bottom: v[3]}, true
}

// Center returns the geometric center, truncated toward zero.
func (b Bounds) Center() Point {
	return Point{X: (b.Left + b.Right) / 2, Y: (b.Top + b.Bottom) / 2}
}

// Empty reports whether the rectangle has no area.
func (b Bounds) Empty() bool {
	return b.Right <= b.Left || b.Bottom <= b.Top
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%d,%d][%d,%d]", b.Left, b.Top, b.Right, b.Bottom)
}

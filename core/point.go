package core

import "fmt"

// Point is a 2D coordinate used by geometry conditions and sorting
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) String() string {
	return fmt.Sprintf("point(%.12f %.12f)", p.X, p.Y)
}

// DistanceSquared returns the squared euclidean distance between p and o
func (p Point) DistanceSquared(o Point) float64 {
	dx, dy := p.X-o.X, p.Y-o.Y
	return dx*dx + dy*dy
}

// PointFromValue converts a stored [x, y] array into a Point
func PointFromValue(v any) (Point, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return Point{}, false
	}
	x, okX := ToFloat(arr[0])
	y, okY := ToFloat(arr[1])
	if !okX || !okY {
		return Point{}, false
	}
	return Point{X: x, Y: y}, true
}

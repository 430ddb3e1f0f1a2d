package geometry

// PointInPolygon tests if a point is inside a polygon using ray casting.
func PointInPolygon(p Point2D, polygon []Point2D) bool {
	if len(polygon) < 3 {
		return false
	}

	inside := false
	n := len(polygon)

	for i := 0; i < n; i++ {
		j := (i + 1) % n
		pi, pj := polygon[i], polygon[j]

		// Check if ray from p going right intersects edge pi-pj
		if ((pi.Y > p.Y) != (pj.Y > p.Y)) &&
			(p.X < (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y)+pi.X) {
			inside = !inside
		}
	}

	return inside
}

// IsSimplePolygon reports whether the closed polygon has at least three
// vertices and no two non-adjacent edges intersect.
func IsSimplePolygon(polygon []Point2D) bool {
	n := len(polygon)
	if n < 3 {
		return false
	}

	for i := 0; i < n; i++ {
		a1, a2 := polygon[i], polygon[(i+1)%n]
		for j := i + 1; j < n; j++ {
			// Adjacent edges share a vertex and always "touch".
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			b1, b2 := polygon[j], polygon[(j+1)%n]
			if segmentsIntersect(a1, a2, b1, b2) {
				return false
			}
		}
	}
	return true
}

// Area returns the signed area of the polygon (positive when counter-clockwise).
func Area(polygon []Point2D) float64 {
	var sum float64
	n := len(polygon)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += polygon[i].X*polygon[j].Y - polygon[j].X*polygon[i].Y
	}
	return sum / 2
}

// segmentsIntersect reports whether closed segments p1-p2 and q1-q2 share a point.
func segmentsIntersect(p1, p2, q1, q2 Point2D) bool {
	d1 := crossProduct(q1, q2, p1)
	d2 := crossProduct(q1, q2, p2)
	d3 := crossProduct(p1, p2, q1)
	d4 := crossProduct(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}

	// Collinear cases
	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return true
	case d2 == 0 && onSegment(q1, q2, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, q1):
		return true
	case d4 == 0 && onSegment(p1, p2, q2):
		return true
	}
	return false
}

// onSegment reports whether r, known to be collinear with p-q, lies within its extent.
func onSegment(p, q, r Point2D) bool {
	return r.X <= max(p.X, q.X) && r.X >= min(p.X, q.X) &&
		r.Y <= max(p.Y, q.Y) && r.Y >= min(p.Y, q.Y)
}

// crossProduct computes the cross product of vectors OA and OB.
func crossProduct(o, a, b Point2D) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

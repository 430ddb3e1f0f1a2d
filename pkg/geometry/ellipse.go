package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Ellipse describes a fitted ellipse.
type Ellipse struct {
	Center Point2D
	Phi    float64    // Orientation of the first radius (degrees)
	Radii  [2]float64 // Semi-axes, Radii[0] along Phi
}

// FitEllipse fits a general conic to the points by algebraic least squares
// and converts it to center/radii/orientation form. At least 5 points are
// required and the conic must be an ellipse.
func FitEllipse(points []Point2D) (Ellipse, error) {
	n := len(points)
	if n < 5 {
		return Ellipse{}, fmt.Errorf("need at least 5 points, got %d", n)
	}

	// Normalize coordinates to keep the design matrix well conditioned
	c := Centroid(points)
	var scale float64
	for _, p := range points {
		scale += p.Distance(c)
	}
	scale /= float64(n)
	if scale == 0 {
		return Ellipse{}, fmt.Errorf("degenerate points")
	}

	// Rows: [x², xy, y², x, y, 1]
	D := mat.NewDense(n, 6, nil)
	for i, p := range points {
		x := (p.X - c.X) / scale
		y := (p.Y - c.Y) / scale
		D.SetRow(i, []float64{x * x, x * y, y * y, x, y, 1})
	}

	// The conic coefficients minimizing |D p| with |p| = 1 are the right
	// singular vector of the smallest singular value.
	var svd mat.SVD
	if ok := svd.Factorize(D, mat.SVDFull); !ok {
		return Ellipse{}, fmt.Errorf("SVD failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	A, B, C := v.At(0, 5), v.At(1, 5), v.At(2, 5)
	Dc, E, F := v.At(3, 5), v.At(4, 5), v.At(5, 5)
	if A+C < 0 {
		A, B, C, Dc, E, F = -A, -B, -C, -Dc, -E, -F
	}

	den := B*B - 4*A*C
	if den >= 0 {
		return Ellipse{}, fmt.Errorf("points do not describe an ellipse")
	}

	x0 := (2*C*Dc - B*E) / den
	y0 := (2*A*E - B*Dc) / den

	num := 2 * (A*E*E + C*Dc*Dc - B*Dc*E + den*F)
	root := math.Sqrt((A-C)*(A-C) + B*B)
	r1 := -math.Sqrt(num*(A+C+root)) / den
	r2 := -math.Sqrt(num*(A+C-root)) / den
	if math.IsNaN(r1) || math.IsNaN(r2) {
		return Ellipse{}, fmt.Errorf("imaginary ellipse")
	}

	phi := 0.5 * math.Atan2(-B, C-A)

	return Ellipse{
		Center: Point2D{X: x0*scale + c.X, Y: y0*scale + c.Y},
		Phi:    phi * 180 / math.Pi,
		Radii:  [2]float64{r1 * scale, r2 * scale},
	}, nil
}

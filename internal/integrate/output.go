package integrate

import (
	"bufio"
	"fmt"
	"io"
)

// WriteXY writes a profile as whitespace-separated "x y sigma" lines with
// a comment header. Empty bins are skipped.
func WriteXY(w io.Writer, p Profile, binType BinType) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# %s intensity sigma\n", binType)
	fmt.Fprintf(bw, "# azimuth %.3f [%.3f, %.3f]\n", p.Azimuth, p.AzimuthRange[0], p.AzimuthRange[1])
	for i := range p.X {
		if p.Counts[i] == 0 {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%.6f %.6f %.6f\n", p.X[i], p.Y[i], p.Sigma[i]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

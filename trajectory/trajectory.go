// Package trajectory writes the final camera trajectory file on shutdown:
// one line per non-bad KeyFrame, sorted by id, giving the camera center in
// the world frame and the world->camera rotation as a quaternion.
package trajectory

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/udrg/ORB-SLAM/spatialmath"
)

// Entry is the minimal per-KeyFrame information Write needs: its id (for
// sort order), capture timestamp, and Tcw (world->camera).
type Entry struct {
	ID        uint64
	Timestamp float64
	Pose      spatialmath.Pose // Tcw
}

// Write emits the trajectory for one Map's KeyFrames to path, formatted as
// "<timestamp> <tx> <ty> <tz> <qx> <qy> <qz> <qw>" per line: timestamp at
// 6 decimals, the rest at 7. The point is the camera center in the world
// frame and the quaternion is the world->camera rotation transposed, both
// obtained by inverting Tcw to Twc.
func Write(path string, entries []Entry) error {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "error creating trajectory file")
	}
	defer f.Close()
	return WriteTo(f, entries)
}

// WriteTo writes the same format as Write to an arbitrary writer, sorted
// by KeyFrame id ascending.
func WriteTo(w io.Writer, entries []Entry) error {
	sorted := append([]Entry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, e := range sorted {
		twc := e.Pose.Invert()
		p := twc.Point()
		q := twc.Orientation()
		line := fmt.Sprintf("%.6f %.7f %.7f %.7f %.7f %.7f %.7f %.7f\n",
			e.Timestamp, p.X, p.Y, p.Z, q.Imag, q.Jmag, q.Kmag, q.Real)
		if _, err := io.WriteString(w, line); err != nil {
			return errors.Wrap(err, "error writing trajectory line")
		}
	}
	return nil
}

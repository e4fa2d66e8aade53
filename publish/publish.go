// Package publish defines the visualization-publisher contract. Rendering
// live pose/image/map topics is out of scope for the SLAM core; the main
// thread calls into a Publisher at camera fps and the core never depends
// on what, if anything, consumes it.
package publish

import (
	"image"

	"github.com/udrg/ORB-SLAM/spatialmath"
)

// TrackedPoint is one Landmark as seen by the global-map topic: its world
// position and whether it's currently a tracking inlier.
type TrackedPoint struct {
	Position spatialmath.Pose
	Inlier   bool
}

// CovisibilityEdge is one covisibility graph edge as seen by the
// global-map topic.
type CovisibilityEdge struct {
	FromKeyFrameID, ToKeyFrameID uint64
	Weight                       int
}

// GlobalMap is a snapshot of a Map's KeyFrame poses, Landmarks and
// covisibility edges, published once per camera frame.
type GlobalMap struct {
	KeyFramePoses []spatialmath.Pose
	Points        []TrackedPoint
	Edges         []CovisibilityEdge
}

// Publisher is the observable-topics boundary described in the external
// interfaces: current pose, annotated frame, and the global map. All three
// are fire-and-forget from the core's perspective.
type Publisher interface {
	PublishPose(pose spatialmath.Pose)
	PublishFrame(img *image.Gray, stateText string)
	PublishMap(m GlobalMap)
}

// NoopPublisher implements Publisher by discarding everything. It's the
// default: visualization is an out-of-scope external collaborator, and the
// core must run correctly with nothing subscribed.
type NoopPublisher struct{}

// PublishPose implements Publisher.
func (NoopPublisher) PublishPose(spatialmath.Pose) {}

// PublishFrame implements Publisher.
func (NoopPublisher) PublishFrame(*image.Gray, string) {}

// PublishMap implements Publisher.
func (NoopPublisher) PublishMap(GlobalMap) {}

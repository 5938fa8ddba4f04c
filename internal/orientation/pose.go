package orientation

// Pose is a pose in the robot frame, ready for publishing. Angles are in
// radians.
type Pose struct {
	Tracking bool       `json:"tracking"`
	Position Vec3       `json:"position"`
	Rotation Quaternion `json:"rotation"`
	Roll     float64    `json:"roll"`
	Pitch    float64    `json:"pitch"`
	Yaw      float64    `json:"yaw"`
}

package model

import "time"

// LandmarkCount is the fixed size of a face mesh landmark set.
const LandmarkCount = 468

type Severity string

const (
	SeveritySoft Severity = "soft"
	SeverityHard Severity = "hard"
)

type FlagType string

const (
	FlagEyesOff       FlagType = "EYES_OFF"
	FlagHeadPose      FlagType = "HEAD_POSE"
	FlagFaceMissing   FlagType = "FACE_MISSING"
	FlagShadowAnomaly FlagType = "SHADOW_ANOMALY"
	FlagSecondaryFace FlagType = "SECONDARY_FACE"
	FlagDeviceLike    FlagType = "DEVICE_LIKE"
	FlagTabHidden     FlagType = "TAB_HIDDEN"
)

// FlagTypes lists every condition the engine monitors, in evaluation order.
var FlagTypes = []FlagType{
	FlagFaceMissing,
	FlagEyesOff,
	FlagHeadPose,
	FlagShadowAnomaly,
	FlagSecondaryFace,
	FlagDeviceLike,
	FlagTabHidden,
}

type RegionKind string

const (
	RegionFace   RegionKind = "face"
	RegionDevice RegionKind = "device"
)

type HeadPose struct {
	Yaw        float64   `json:"yaw"`
	Pitch      float64   `json:"pitch"`
	Roll       float64   `json:"roll"`
	Confidence float64   `json:"confidence"`
	Stability  float64   `json:"stability"`
	Timestamp  time.Time `json:"timestamp"`
	Detected   bool      `json:"detected"`
}

type GazeVector struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Confidence float64 `json:"confidence"`
}

type ScreenPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type GazePoint struct {
	ScreenX    float64    `json:"screen_x"`
	ScreenY    float64    `json:"screen_y"`
	Confidence float64    `json:"confidence"`
	Timestamp  time.Time  `json:"timestamp"`
	Vector     GazeVector `json:"vector"`
	Calibrated bool       `json:"calibrated"`
	// Clamped marks an uncalibrated projection that fell outside the screen.
	Clamped    bool       `json:"clamped"`
	Detected   bool       `json:"detected"`
}

type LightingAnalysis struct {
	Histogram            [256]float64 `json:"histogram"`
	Mean                 float64      `json:"mean"`
	Variance             float64      `json:"variance"`
	Stability            float64      `json:"stability"`
	BacklightingSeverity float64      `json:"backlighting_severity"`
}

type ShadowAnalysis struct {
	GradientMagnitude float64 `json:"gradient_magnitude"`
	SpatialVariance   float64 `json:"spatial_variance"`
	Stability         float64 `json:"stability"`
	AnomalyDetected   bool    `json:"anomaly_detected"`
}

type EnvironmentAnalysis struct {
	Timestamp    time.Time        `json:"timestamp"`
	Lighting     LightingAnalysis `json:"lighting"`
	Shadow       ShadowAnalysis   `json:"shadow"`
	OverallScore float64          `json:"overall_score"`
	Warnings     []string         `json:"warnings,omitempty"`
}

// Summary reduces a full analysis to the fields the engine consumes.
func (e EnvironmentAnalysis) Summary() *EnvironmentSummary {
	return &EnvironmentSummary{
		OverallScore:         e.OverallScore,
		ShadowAnomaly:        e.Shadow.AnomalyDetected,
		ShadowStability:      e.Shadow.Stability,
		LightingStability:    e.Lighting.Stability,
		BacklightingSeverity: e.Lighting.BacklightingSeverity,
	}
}

type LightingBaseline struct {
	Mean      float64      `json:"mean"`
	Variance  float64      `json:"variance"`
	Histogram [256]float64 `json:"histogram"`
	Samples   int          `json:"samples"`
}

type DetectedRegion struct {
	ID                    int        `json:"id"`
	Kind                  RegionKind `json:"kind"`
	BoundingBox           Rect       `json:"bounding_box"`
	Confidence            float64    `json:"confidence"`
	ConsecutiveFramesSeen int        `json:"consecutive_frames_seen"`
	LastSeenFrame         int        `json:"last_seen_frame"`
	MotionHistory         []float64  `json:"motion_history,omitempty"`
	HighlightHistory      []float64  `json:"highlight_history,omitempty"`
	Detected              bool       `json:"detected"`
}

type ObjectDetections struct {
	SecondaryFaces    []DetectedRegion `json:"secondary_faces"`
	DeviceLikeObjects []DetectedRegion `json:"device_like_objects"`
}

// Summary counts only regions that passed the consecutive-frame gate.
func (d ObjectDetections) Summary() *SecondarySummary {
	s := &SecondarySummary{}
	for _, r := range d.SecondaryFaces {
		if !r.Detected {
			continue
		}
		s.Faces++
		if r.Confidence > s.MaxFaceConfidence {
			s.MaxFaceConfidence = r.Confidence
		}
	}
	for _, r := range d.DeviceLikeObjects {
		if !r.Detected {
			continue
		}
		s.Devices++
		if r.Confidence > s.MaxDeviceConfidence {
			s.MaxDeviceConfidence = r.Confidence
		}
	}
	return s
}

type GazeSignal struct {
	Vector     GazeVector `json:"vector"`
	OnScreen   bool       `json:"on_screen"`
	Confidence float64    `json:"confidence"`
}

type EnvironmentSummary struct {
	OverallScore         float64 `json:"overall_score"`
	ShadowAnomaly        bool    `json:"shadow_anomaly"`
	ShadowStability      float64 `json:"shadow_stability"`
	LightingStability    float64 `json:"lighting_stability"`
	BacklightingSeverity float64 `json:"backlighting_severity"`
}

type SecondarySummary struct {
	Faces               int     `json:"faces"`
	Devices             int     `json:"devices"`
	MaxFaceConfidence   float64 `json:"max_face_confidence"`
	MaxDeviceConfidence float64 `json:"max_device_confidence"`
}

// SignalBundle is the fused per-frame input of the engine. Nil fields are
// absent signals and never count as violations.
type SignalBundle struct {
	SessionID    string              `json:"session_id"`
	Timestamp    time.Time           `json:"timestamp"`
	FaceDetected *bool               `json:"face_detected,omitempty"`
	Pose         *HeadPose           `json:"pose,omitempty"`
	Gaze         *GazeSignal         `json:"gaze,omitempty"`
	Environment  *EnvironmentSummary `json:"environment,omitempty"`
	Secondary    *SecondarySummary   `json:"secondary,omitempty"`
	TabHidden    *bool               `json:"tab_hidden,omitempty"`
}

type FlagEvent struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Type       FlagType          `json:"type"`
	Severity   Severity          `json:"severity"`
	Confidence float64           `json:"confidence"`
	Details    map[string]string `json:"details,omitempty"`
}

type PoseAngles struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// FrameRecord is the flattened per-frame export row.
type FrameRecord struct {
	SessionID            string     `json:"session_id"`
	Timestamp            time.Time  `json:"timestamp"`
	EyesOn               bool       `json:"eyes_on"`
	GazeConfidence       float64    `json:"gaze_confidence"`
	HeadPose             PoseAngles `json:"head_pose"`
	ShadowScore          float64    `json:"shadow_score"`
	SecondaryFacePresent bool       `json:"secondary_face_present"`
	DeviceLikePresent    bool       `json:"device_like_present"`
	TabHidden            bool       `json:"tab_hidden"`
	FacePresent          bool       `json:"face_present"`
	FlagType             *FlagType  `json:"flag_type"`
	RiskScore            float64    `json:"risk_score"`
}

type WindowMetrics struct {
	WindowSec          int     `json:"window_sec"`
	Frames             int     `json:"frames"`
	EyesOnRatio        float64 `json:"eyes_on_ratio"`
	FacePresentRatio   float64 `json:"face_present_ratio"`
	MeanGazeConfidence float64 `json:"mean_gaze_confidence"`
	Flags              int     `json:"flags"`
	RiskScore          float64 `json:"risk_score"`
	// Jitter is the variance of frame inter-arrival times in seconds squared.
	Jitter float64 `json:"jitter"`
}

type CalibrationProfile struct {
	ID           string     `json:"id"`
	Homography   [9]float64 `json:"homography"`
	ScreenWidth  float64    `json:"screen_width"`
	ScreenHeight float64    `json:"screen_height"`
	Quality      float64    `json:"quality"`
	Points       int        `json:"points"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Bool returns a pointer to v, for optional bundle fields.
func Bool(v bool) *bool {
	return &v
}

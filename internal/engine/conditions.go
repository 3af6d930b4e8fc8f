package engine

import (
	"strconv"
	"strings"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
	"proctorguard/internal/pose"
)

// reading is one frame's verdict for a condition. ok is false when the
// bundle lacks the signal the condition needs. unobserved means the subject
// could not be assessed this frame (no face, untrustworthy pose), which ends
// any running episode.
type reading struct {
	ok         bool
	unobserved bool
	violating  bool
	confidence float64
	details    map[string]string
}

type predicate func(b model.SignalBundle, cfg *config.ProctorConfig) reading

type condition struct {
	flag  model.FlagType
	cfg   config.ConditionConfig
	check predicate
}

type ConditionSet struct {
	conditions []condition
}

func buildConditions(cfg *config.ProctorConfig) *ConditionSet {
	byType := map[model.FlagType]config.ConditionConfig{
		model.FlagFaceMissing:   cfg.Conditions.FaceMissing,
		model.FlagEyesOff:       cfg.Conditions.EyesOff,
		model.FlagHeadPose:      cfg.Conditions.HeadPose,
		model.FlagShadowAnomaly: cfg.Conditions.ShadowAnomaly,
		model.FlagSecondaryFace: cfg.Conditions.SecondaryFace,
		model.FlagDeviceLike:    cfg.Conditions.DeviceLike,
		model.FlagTabHidden:     cfg.Conditions.TabHidden,
	}
	checks := map[model.FlagType]predicate{
		model.FlagFaceMissing:   faceMissing,
		model.FlagEyesOff:       eyesOff,
		model.FlagHeadPose:      headPose,
		model.FlagShadowAnomaly: shadowAnomaly,
		model.FlagSecondaryFace: secondaryFace,
		model.FlagDeviceLike:    deviceLike,
		model.FlagTabHidden:     tabHidden,
	}
	set := &ConditionSet{}
	for _, ft := range model.FlagTypes {
		cc := byType[ft]
		if !cc.Enabled {
			continue
		}
		set.conditions = append(set.conditions, condition{flag: ft, cfg: cc, check: checks[ft]})
	}
	return set
}

func (s *ConditionSet) Enabled(ft model.FlagType) bool {
	if s == nil {
		return false
	}
	for _, c := range s.conditions {
		if c.flag == ft {
			return true
		}
	}
	return false
}

func faceMissing(b model.SignalBundle, _ *config.ProctorConfig) reading {
	if b.FaceDetected == nil {
		return reading{}
	}
	return reading{ok: true, violating: !*b.FaceDetected, confidence: 1}
}

func faceAbsent(b model.SignalBundle) bool {
	return b.FaceDetected != nil && !*b.FaceDetected
}

func eyesOff(b model.SignalBundle, _ *config.ProctorConfig) reading {
	if faceAbsent(b) {
		return reading{unobserved: true}
	}
	if b.Gaze == nil {
		return reading{}
	}
	conf := b.Gaze.Confidence
	if conf < 0.5 {
		conf = 0.5
	}
	return reading{
		ok:         true,
		violating:  !b.Gaze.OnScreen,
		confidence: conf,
		details:    map[string]string{"gaze_confidence": formatFloat(b.Gaze.Confidence)},
	}
}

func headPose(b model.SignalBundle, cfg *config.ProctorConfig) reading {
	if b.Pose == nil {
		return reading{}
	}
	if !b.Pose.Detected || b.Pose.Confidence < cfg.PoseLimits.MinConfidence {
		return reading{unobserved: true}
	}
	ok, reasons := pose.ValidatePose(*b.Pose, cfg.PoseLimits)
	r := reading{ok: true, violating: !ok, confidence: b.Pose.Confidence}
	if !ok {
		r.details = map[string]string{
			"yaw":     formatFloat(b.Pose.Yaw),
			"pitch":   formatFloat(b.Pose.Pitch),
			"roll":    formatFloat(b.Pose.Roll),
			"reasons": strings.Join(reasons, "; "),
		}
	}
	return r
}

func shadowAnomaly(b model.SignalBundle, _ *config.ProctorConfig) reading {
	if b.Environment == nil {
		return reading{}
	}
	return reading{
		ok:         true,
		violating:  b.Environment.ShadowAnomaly,
		confidence: clamp(1-b.Environment.OverallScore, 0, 1),
		details: map[string]string{
			"overall_score":    formatFloat(b.Environment.OverallScore),
			"shadow_stability": formatFloat(b.Environment.ShadowStability),
		},
	}
}

func secondaryFace(b model.SignalBundle, _ *config.ProctorConfig) reading {
	if b.Secondary == nil {
		return reading{}
	}
	return reading{
		ok:         true,
		violating:  b.Secondary.Faces > 0,
		confidence: b.Secondary.MaxFaceConfidence,
		details:    map[string]string{"count": strconv.Itoa(b.Secondary.Faces)},
	}
}

func deviceLike(b model.SignalBundle, _ *config.ProctorConfig) reading {
	if b.Secondary == nil {
		return reading{}
	}
	return reading{
		ok:         true,
		violating:  b.Secondary.Devices > 0,
		confidence: b.Secondary.MaxDeviceConfidence,
		details:    map[string]string{"count": strconv.Itoa(b.Secondary.Devices)},
	}
}

func tabHidden(b model.SignalBundle, _ *config.ProctorConfig) reading {
	if b.TabHidden == nil {
		return reading{}
	}
	return reading{ok: true, violating: *b.TabHidden, confidence: 1}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

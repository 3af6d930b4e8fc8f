package pose

import (
	"fmt"
	"math"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

// ValidatePose checks a pose against caller limits. Zero limits are ignored.
func ValidatePose(p model.HeadPose, limits config.PoseLimits) (bool, []string) {
	var reasons []string
	if !p.Detected {
		return false, []string{"no face detected"}
	}
	if p.Confidence < limits.MinConfidence {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below %.2f", p.Confidence, limits.MinConfidence))
	}
	check := func(name string, v, max float64) {
		if max > 0 && math.Abs(v) > max {
			reasons = append(reasons, fmt.Sprintf("%s %.1f exceeds %.1f", name, v, max))
		}
	}
	check("yaw", p.Yaw, limits.MaxYaw)
	check("pitch", p.Pitch, limits.MaxPitch)
	check("roll", p.Roll, limits.MaxRoll)
	return len(reasons) == 0, reasons
}

package model

// Face mesh indices used by the pose and gaze estimators. Left and right are
// image-space sides of a non-mirrored frame.
const (
	NoseTip        = 1
	Chin           = 152
	LeftEyeOuter   = 33
	LeftEyeInner   = 133
	LeftEyeTop     = 159
	LeftEyeBottom  = 145
	RightEyeInner  = 362
	RightEyeOuter  = 263
	RightEyeTop    = 386
	RightEyeBottom = 374
	MouthLeft      = 61
	MouthRight     = 291
	LeftEar        = 234
	RightEar       = 454
)

// PoseIndices are the eight correspondences of the closed-form pose solve.
var PoseIndices = [8]int{NoseTip, Chin, LeftEyeOuter, RightEyeOuter, MouthLeft, MouthRight, LeftEar, RightEar}

// Eye contours run from the image-left corner along the lower lid and back
// over the upper lid.
var (
	LeftEyeContour  = []int{33, 7, 163, 144, 145, 153, 154, 155, 133, 173, 157, 158, 159, 160, 161, 246}
	RightEyeContour = []int{362, 382, 381, 380, 374, 373, 390, 249, 263, 466, 388, 387, 386, 385, 384, 398}
)

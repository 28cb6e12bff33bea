package domain

import "encoding"

// Stage is one of the eight ordered pipeline phases. Complete and Failed are
// terminal pseudo-stages used by progress events only.
type Stage string

const (
	StageScript     Stage = "script"
	StageCharacter  Stage = "character"
	StageStoryboard Stage = "storyboard"
	StageRender     Stage = "render"
	StageVideo      Stage = "video"
	StageVoice      Stage = "voice"
	StageLipsync    Stage = "lipsync"
	StageEdit       Stage = "edit"
	StageComplete   Stage = "complete"
	StageFailed     Stage = "failed"
)

// StageOrder is the canonical execution order of the pipeline.
var StageOrder = []Stage{
	StageScript,
	StageCharacter,
	StageStoryboard,
	StageRender,
	StageVideo,
	StageVoice,
	StageLipsync,
	StageEdit,
}

// StageWeights sum to exactly 100 and never change retroactively; overall
// progress is derived from them plus the current stage's local progress.
var StageWeights = map[Stage]int{
	StageScript:     5,
	StageCharacter:  10,
	StageStoryboard: 5,
	StageRender:     25,
	StageVideo:      25,
	StageVoice:      10,
	StageLipsync:    15,
	StageEdit:       5,
}

// StageIndex returns the position of s in StageOrder, or -1 for terminal
// pseudo-stages.
func StageIndex(s Stage) int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// OverallProgress computes the weighted 0-100 progress for a stage-local
// progress value. Complete maps to 100, unknown stages to 0.
func OverallProgress(stage Stage, stageProgress int) int {
	if stage == StageComplete {
		return 100
	}
	idx := StageIndex(stage)
	if idx < 0 {
		return 0
	}
	if stageProgress < 0 {
		stageProgress = 0
	}
	if stageProgress > 100 {
		stageProgress = 100
	}
	completed := 0
	for _, s := range StageOrder[:idx] {
		completed += StageWeights[s]
	}
	return completed + StageWeights[stage]*stageProgress/100
}

var (
	_ encoding.BinaryMarshaler = Stage("")
	_ encoding.TextMarshaler   = Stage("")
)

func (s Stage) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s Stage) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }

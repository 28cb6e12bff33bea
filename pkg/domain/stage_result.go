package domain

// ItemResult tags one per-item outcome within a stage. ItemID is a shot id
// ("scene:shot") or a character name depending on the stage.
type ItemResult struct {
	ItemID  string `json:"itemId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	// Skipped marks items the stage deliberately did not process (for example
	// shots without dialogue in the lipsync stage); skipped items count as
	// neither success nor failure.
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// StageResult is the aggregated per-item outcome of running one stage.
// Items appear in their original input order.
type StageResult struct {
	Stage     Stage        `json:"stage"`
	Items     []ItemResult `json:"items,omitempty"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Reused    bool         `json:"reused,omitempty"`

	// Exactly one of the payload fields below is set, depending on the stage.
	Script      *Script        `json:"script,omitempty"`
	Characters  []CharacterDef `json:"characters,omitempty"`
	Storyboard  []Shot         `json:"storyboard,omitempty"`
	Rendered    []RenderedShot `json:"rendered,omitempty"`
	Videos      []ShotVideo    `json:"videos,omitempty"`
	Audio       []ShotAudio    `json:"audio,omitempty"`
	Lipsync     []LipsyncClip  `json:"lipsync,omitempty"`
	FinalVideo  string         `json:"finalVideo,omitempty"`
	ClipCount   int            `json:"clipCount,omitempty"`
	HasSubtitle bool           `json:"hasSubtitle,omitempty"`
}

// Tally recomputes the aggregate counters from the item list.
func (r *StageResult) Tally() {
	r.Succeeded, r.Failed = 0, 0
	for _, it := range r.Items {
		switch {
		case it.Skipped:
		case it.Success:
			r.Succeeded++
		default:
			r.Failed++
		}
	}
}

// StripPayloads drops the bulky per-stage payloads while keeping the
// aggregate counters, for retention compaction of finished tasks.
func (r *StageResult) StripPayloads() {
	r.Items = nil
	r.Script = nil
	r.Characters = nil
	r.Storyboard = nil
	r.Rendered = nil
	r.Videos = nil
	r.Audio = nil
	r.Lipsync = nil
}

// RenderedShot is one shot image produced by the render stage.
type RenderedShot struct {
	SceneID   int    `json:"sceneId"`
	ShotID    int    `json:"shotId"`
	ImagePath string `json:"imagePath,omitempty"`
	Seed      int64  `json:"seed,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// ShotVideo is one animated clip produced by the video stage.
type ShotVideo struct {
	SceneID   int     `json:"sceneId"`
	ShotID    int     `json:"shotId"`
	VideoPath string  `json:"videoPath,omitempty"`
	Duration  float64 `json:"duration,omitempty"` // seconds, may be an estimate
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
}

// ShotAudio is one dialogue track produced by the voice stage.
type ShotAudio struct {
	SceneID   int     `json:"sceneId"`
	ShotID    int     `json:"shotId"`
	Speaker   string  `json:"speaker,omitempty"`
	Text      string  `json:"text,omitempty"`
	AudioPath string  `json:"audioPath,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	HasDialog bool    `json:"hasDialog"`
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
}

// LipsyncClip is one talking-head clip produced by the lipsync stage.
// HasLipsync=false with a Reason is not a failure.
type LipsyncClip struct {
	SceneID    int     `json:"sceneId"`
	ShotID     int     `json:"shotId"`
	VideoPath  string  `json:"videoPath,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	HasLipsync bool    `json:"hasLipsync"`
	Reason     string  `json:"reason,omitempty"` // no_dialog | audio_failed | no_image
	Success    bool    `json:"success"`
	Error      string  `json:"error,omitempty"`
}

package domain

// CharacterDef is a character extracted from the script, enriched with the
// assets produced by the character stage.
type CharacterDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Gender      string `json:"gender,omitempty"`
	AgeRange    string `json:"ageRange,omitempty"`
	Personality string `json:"personality,omitempty"`
	VoiceStyle  string `json:"voiceStyle,omitempty"`

	// Set by the character stage.
	ReferenceImages []string `json:"referenceImages,omitempty"`
	LoraName        string   `json:"loraName,omitempty"`
	VoiceSamplePath string   `json:"voiceSamplePath,omitempty"`
	Prompt          string   `json:"prompt,omitempty"`
}

type Dialog struct {
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text,omitempty"`
	Emotion string `json:"emotion,omitempty"`
}

// Shot is the smallest unit of generated content: one camera take with its
// own prompt, duration and optional dialogue.
type Shot struct {
	SceneID        int      `json:"sceneId"`
	ShotID         int      `json:"shotId"`
	Duration       int      `json:"duration"` // seconds
	CameraType     string   `json:"cameraType,omitempty"`
	CameraMovement string   `json:"cameraMovement,omitempty"`
	Characters     []string `json:"characters,omitempty"`
	Action         string   `json:"action,omitempty"`
	Dialog         *Dialog  `json:"dialog,omitempty"`
	ImagePrompt    string   `json:"imagePrompt,omitempty"`
	NegativePrompt string   `json:"negativePrompt,omitempty"`
}

type Scene struct {
	SceneID    int    `json:"sceneId"`
	Location   string `json:"location,omitempty"`
	Time       string `json:"time,omitempty"`
	Atmosphere string `json:"atmosphere,omitempty"`
	Shots      []Shot `json:"shots"`
}

// Script is the structured output of the script stage. Title, characters and
// scenes are required; a script missing any of them is invalid.
type Script struct {
	Title         string         `json:"title"`
	Summary       string         `json:"summary,omitempty"`
	TotalDuration int            `json:"totalDuration,omitempty"`
	Characters    []CharacterDef `json:"characters"`
	Scenes        []Scene        `json:"scenes"`
}

// AllShots flattens the scene list in (scene, shot) order.
func (s *Script) AllShots() []Shot {
	var shots []Shot
	for _, sc := range s.Scenes {
		shots = append(shots, sc.Shots...)
	}
	return shots
}

// Episode is the persisted record a generation task operates on.
type Episode struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"projectId,omitempty"`
	UserID       string  `json:"userId,omitempty"`
	Title        string  `json:"title,omitempty"`
	ScriptInput  string  `json:"scriptInput,omitempty"`
	ParsedScript *Script `json:"parsedScript,omitempty"`
	Storyboard   []Shot  `json:"storyboard,omitempty"`
	Status       string  `json:"status,omitempty"`
	VideoPath    string  `json:"videoPath,omitempty"`
	LastTaskID   string  `json:"lastTaskId,omitempty"`
	Duration     int     `json:"duration,omitempty"`
	Style        string  `json:"style,omitempty"`
	AspectRatio  string  `json:"aspectRatio,omitempty"`
}

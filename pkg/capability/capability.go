// Package capability defines the uniform adapter surface for external
// generation services (text, image, video, speech, lipsync), the constructor
// registry that resolves provider configuration, and the fallback chain used
// to call a capability across same-kind providers.
package capability

import "context"

// Kind identifies one external generation capability.
type Kind string

const (
	KindText    Kind = "text"
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
	KindSpeech  Kind = "speech"
	KindLipsync Kind = "lipsync"
)

// Kinds lists every capability kind in a stable order.
var Kinds = []Kind{KindText, KindImage, KindVideo, KindSpeech, KindLipsync}

// ProviderConfig is the resolved settings for one provider invocation.
// Configs are resolved fresh per call site from (explicit override -> stored
// per-user config -> process default) and never mutated in place.
type ProviderConfig struct {
	Provider string            `json:"provider" yaml:"provider"`
	APIKey   string            `json:"apiKey,omitempty" yaml:"apiKey"`
	Endpoint string            `json:"endpoint,omitempty" yaml:"endpoint"`
	Model    string            `json:"model,omitempty" yaml:"model"`
	Settings map[string]string `json:"settings,omitempty" yaml:"settings"`
	Priority int               `json:"priority,omitempty" yaml:"priority"`
	Active   bool              `json:"active,omitempty" yaml:"active"`
}

// Provider is the base contract shared by all capability adapters. Adapters
// are stateless per call and hold no mutable state beyond their HTTP client.
type Provider interface {
	Kind() Kind
	Name() string

	// CheckHealth is a best-effort reachability probe; it never panics and
	// degrades to false on any failure.
	CheckHealth(ctx context.Context) bool

	// ListModels enumerates the models this provider can serve.
	ListModels(ctx context.Context) ([]string, error)
}

// Message is one turn of a text-generation conversation.
type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

func SystemMessage(content string) Message { return Message{Role: "system", Content: content} }
func UserMessage(content string) Message   { return Message{Role: "user", Content: content} }

type TextRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSONOnly asks the model for a bare JSON document; adapters that support
	// a native JSON mode use it, others rely on prompting.
	JSONOnly bool
}

type TextOutput struct {
	Content string
	Model   string
}

// StreamChunk is one fragment of a streaming text generation.
type StreamChunk struct {
	Content string
	Err     error // non-nil only on the final chunk of a broken stream
}

type TextProvider interface {
	Provider
	Generate(ctx context.Context, req TextRequest) (*TextOutput, error)
	// GenerateStream opens a streaming generation. A nil error means the
	// stream is committed; mid-stream failures arrive as a chunk with Err set.
	GenerateStream(ctx context.Context, req TextRequest) (<-chan StreamChunk, error)
}

type ImageRequest struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	CFGScale       float64
	Seed           int64
	BatchSize      int
	// LoraName and CharacterImage carry the visual-consistency reference for
	// a shot's lead character.
	LoraName       string
	CharacterImage []byte
}

type ImageOutput struct {
	Images [][]byte
	Seeds  []int64
}

type ImageProvider interface {
	Provider
	Generate(ctx context.Context, req ImageRequest) (*ImageOutput, error)
}

// CameraMovement is the provider-neutral camera-motion label.
type CameraMovement string

const (
	CameraStatic   CameraMovement = "static"
	CameraPanLeft  CameraMovement = "pan_left"
	CameraPanRight CameraMovement = "pan_right"
	CameraPanUp    CameraMovement = "pan_up"
	CameraPanDown  CameraMovement = "pan_down"
	CameraZoomIn   CameraMovement = "zoom_in"
	CameraZoomOut  CameraMovement = "zoom_out"
)

type VideoRequest struct {
	Image          []byte
	Prompt         string
	Duration       int // seconds; adapters cap to their own limit
	CameraMovement CameraMovement
	AspectRatio    string
}

type VideoOutput struct {
	Video    []byte
	Duration float64 // seconds as reported by the provider, 0 if unknown
}

type VideoProvider interface {
	Provider
	Generate(ctx context.Context, req VideoRequest) (*VideoOutput, error)
	// MaxDuration is the longest clip the provider can produce, in seconds.
	MaxDuration() int
}

type SpeechRequest struct {
	Text    string
	VoiceID string
	// ReferenceAudio switches the adapter into voice-clone mode where
	// supported.
	ReferenceAudio []byte
	Emotion        string
	Speed          float64
}

type SpeechOutput struct {
	Audio    []byte
	Duration float64
	Format   string // mp3 | wav
}

type SpeechProvider interface {
	Provider
	Generate(ctx context.Context, req SpeechRequest) (*SpeechOutput, error)
}

type LipsyncRequest struct {
	Image       []byte
	Audio       []byte
	EnhanceFace bool
	StillMode   bool
}

type LipsyncOutput struct {
	Video    []byte
	Duration float64
}

type LipsyncProvider interface {
	Provider
	Generate(ctx context.Context, req LipsyncRequest) (*LipsyncOutput, error)
}

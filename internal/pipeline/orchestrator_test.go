package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/mangaforge/mangaforge/internal/storage"
	"github.com/mangaforge/mangaforge/pkg/capability"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

const testScriptJSON = `{
  "title": "Test Episode",
  "summary": "a short test story",
  "characters": [
    {"name": "Rin", "description": "short dark hair", "gender": "female", "ageRange": "young"},
    {"name": "Taro", "description": "tall, glasses", "gender": "male", "ageRange": "adult"}
  ],
  "scenes": [
    {"sceneId": 1, "location": "rooftop", "time": "night", "shots": [
      {"shotId": 1, "duration": 4, "cameraMovement": "static", "characters": ["Rin"], "action": "Rin looks at the sky", "imagePrompt": "prompt-s1", "dialog": {"speaker": "Rin", "text": "It begins."}},
      {"shotId": 2, "duration": 3, "cameraMovement": "pan_left", "characters": ["Taro"], "action": "Taro arrives", "imagePrompt": "prompt-s2"}
    ]},
    {"sceneId": 2, "location": "street", "time": "day", "shots": [
      {"shotId": 1, "duration": 5, "cameraMovement": "zoom_in", "characters": ["Rin", "Taro"], "action": "They walk together", "imagePrompt": "prompt-s3", "dialog": {"speaker": "Taro", "text": "Let us go."}}
    ]}
  ]
}`

// The stub providers are registered once and reconfigured per test through
// their function fields.
type stubText struct {
	fn    func(capability.TextRequest) (*capability.TextOutput, error)
	calls int
}

func (s *stubText) Kind() capability.Kind                        { return capability.KindText }
func (s *stubText) Name() string                                 { return "stub" }
func (s *stubText) CheckHealth(context.Context) bool             { return true }
func (s *stubText) ListModels(context.Context) ([]string, error) { return []string{"stub-1"}, nil }
func (s *stubText) Generate(_ context.Context, req capability.TextRequest) (*capability.TextOutput, error) {
	s.calls++
	return s.fn(req)
}
func (s *stubText) GenerateStream(context.Context, capability.TextRequest) (<-chan capability.StreamChunk, error) {
	ch := make(chan capability.StreamChunk)
	close(ch)
	return ch, nil
}

type stubImage struct {
	fn    func(capability.ImageRequest) (*capability.ImageOutput, error)
	calls int
}

func (s *stubImage) Kind() capability.Kind                        { return capability.KindImage }
func (s *stubImage) Name() string                                 { return "stub" }
func (s *stubImage) CheckHealth(context.Context) bool             { return true }
func (s *stubImage) ListModels(context.Context) ([]string, error) { return []string{"stub-sdxl"}, nil }
func (s *stubImage) Generate(_ context.Context, req capability.ImageRequest) (*capability.ImageOutput, error) {
	s.calls++
	return s.fn(req)
}

type stubVideo struct {
	fn     func(capability.VideoRequest) (*capability.VideoOutput, error)
	calls  int
	maxDur int
}

func (s *stubVideo) Kind() capability.Kind                        { return capability.KindVideo }
func (s *stubVideo) Name() string                                 { return "stub" }
func (s *stubVideo) CheckHealth(context.Context) bool             { return true }
func (s *stubVideo) ListModels(context.Context) ([]string, error) { return []string{"stub-v1"}, nil }
func (s *stubVideo) MaxDuration() int {
	if s.maxDur > 0 {
		return s.maxDur
	}
	return 5
}
func (s *stubVideo) Generate(_ context.Context, req capability.VideoRequest) (*capability.VideoOutput, error) {
	s.calls++
	return s.fn(req)
}

type stubSpeech struct {
	fn    func(capability.SpeechRequest) (*capability.SpeechOutput, error)
	calls int
}

func (s *stubSpeech) Kind() capability.Kind            { return capability.KindSpeech }
func (s *stubSpeech) Name() string                     { return "stub" }
func (s *stubSpeech) CheckHealth(context.Context) bool { return true }
func (s *stubSpeech) ListModels(context.Context) ([]string, error) {
	return []string{"stub-voice"}, nil
}
func (s *stubSpeech) Generate(_ context.Context, req capability.SpeechRequest) (*capability.SpeechOutput, error) {
	s.calls++
	return s.fn(req)
}

type stubLipsync struct {
	fn    func(capability.LipsyncRequest) (*capability.LipsyncOutput, error)
	calls int
}

func (s *stubLipsync) Kind() capability.Kind                        { return capability.KindLipsync }
func (s *stubLipsync) Name() string                                 { return "stub" }
func (s *stubLipsync) CheckHealth(context.Context) bool             { return true }
func (s *stubLipsync) ListModels(context.Context) ([]string, error) { return []string{"stub-ls"}, nil }
func (s *stubLipsync) Generate(_ context.Context, req capability.LipsyncRequest) (*capability.LipsyncOutput, error) {
	s.calls++
	return s.fn(req)
}

var (
	testText    = &stubText{}
	testImage   = &stubImage{}
	testVideo   = &stubVideo{}
	testSpeech  = &stubSpeech{}
	testLipsync = &stubLipsync{}
)

func init() {
	capability.Register(capability.KindText, "stub", func(capability.ProviderConfig) (capability.Provider, error) { return testText, nil })
	capability.Register(capability.KindImage, "stub", func(capability.ProviderConfig) (capability.Provider, error) { return testImage, nil })
	capability.Register(capability.KindVideo, "stub", func(capability.ProviderConfig) (capability.Provider, error) { return testVideo, nil })
	capability.Register(capability.KindSpeech, "stub", func(capability.ProviderConfig) (capability.Provider, error) { return testSpeech, nil })
	capability.Register(capability.KindLipsync, "stub", func(capability.ProviderConfig) (capability.Provider, error) { return testLipsync, nil })
}

// fakeComposer performs file plumbing without ffmpeg.
type fakeComposer struct {
	concatClips int
	mixedBGM    bool
	burned      bool
}

func (f *fakeComposer) Concat(_ context.Context, clips []string, out string) error {
	f.concatClips = len(clips)
	return os.WriteFile(out, []byte(fmt.Sprintf("concat:%d", len(clips))), 0o644)
}

func (f *fakeComposer) MixBGM(_ context.Context, video, _ string, _ float64, out string) error {
	f.mixedBGM = true
	data, err := os.ReadFile(video)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

func (f *fakeComposer) BurnSubtitles(_ context.Context, video, _ string, out string) error {
	f.burned = true
	data, err := os.ReadFile(video)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

type eventRecorder struct {
	events []domain.ProgressEvent
}

func (r *eventRecorder) Report(_ context.Context, ev domain.ProgressEvent) {
	r.events = append(r.events, ev)
}

type testEnv struct {
	orch     *Orchestrator
	store    storage.Store
	composer *fakeComposer
	sink     *eventRecorder
}

func setupPipeline(t *testing.T) *testEnv {
	t.Helper()

	testText.fn = func(req capability.TextRequest) (*capability.TextOutput, error) {
		if req.JSONOnly {
			return &capability.TextOutput{Content: testScriptJSON, Model: "stub-1"}, nil
		}
		return &capability.TextOutput{Content: "a detailed generated prompt", Model: "stub-1"}, nil
	}
	testImage.fn = func(capability.ImageRequest) (*capability.ImageOutput, error) {
		return &capability.ImageOutput{Images: [][]byte{[]byte("png-bytes")}, Seeds: []int64{42}}, nil
	}
	testVideo.fn = func(capability.VideoRequest) (*capability.VideoOutput, error) {
		return &capability.VideoOutput{Video: []byte("mp4-bytes"), Duration: 3}, nil
	}
	testSpeech.fn = func(capability.SpeechRequest) (*capability.SpeechOutput, error) {
		return &capability.SpeechOutput{Audio: []byte("mp3-bytes"), Duration: 1.5, Format: "mp3"}, nil
	}
	testLipsync.fn = func(capability.LipsyncRequest) (*capability.LipsyncOutput, error) {
		return &capability.LipsyncOutput{Video: []byte("lipsync-mp4"), Duration: 2}, nil
	}
	testText.calls, testImage.calls, testVideo.calls, testSpeech.calls, testLipsync.calls = 0, 0, 0, 0, 0
	testVideo.maxDur = 0

	defaults := capability.Defaults{Provider: map[capability.Kind]string{
		capability.KindText:    "stub",
		capability.KindImage:   "stub",
		capability.KindVideo:   "stub",
		capability.KindSpeech:  "stub",
		capability.KindLipsync: "stub",
	}}
	registry := capability.NewRegistry(defaults, nil)
	store := storage.NewLocalStore(t.TempDir())
	composer := &fakeComposer{}

	p := New(registry, store, composer, t.TempDir(), nil)
	return &testEnv{
		orch:     NewOrchestrator(p, nil),
		store:    store,
		composer: composer,
		sink:     &eventRecorder{},
	}
}

func testTask(id string) *domain.GenerationTask {
	return &domain.GenerationTask{
		ID:        id,
		EpisodeID: "ep-" + id,
		UserID:    "user-1",
		Status:    domain.StatusRunning,
		Request: domain.GenerationRequest{
			EpisodeID:      "ep-" + id,
			ScriptOverride: "two friends meet on a rooftop at night",
			Style:          "anime",
			AspectRatio:    "9:16",
			TargetDuration: 60,
			AddSubtitles:   true,
			UserID:         "user-1",
		},
	}
}

func TestGenerateFullPipeline(t *testing.T) {
	env := setupPipeline(t)
	task := testTask("t-full")

	if err := env.orch.Generate(context.Background(), task, env.sink, nil); err != nil {
		t.Fatalf("generate: %v", err)
	}

	for _, stage := range domain.StageOrder {
		if task.Stages[stage] == nil {
			t.Errorf("missing result for stage %s", stage)
		}
	}
	if task.Progress != 100 {
		t.Errorf("progress = %d, want 100", task.Progress)
	}
	if task.FinalVideoPath == "" {
		t.Fatal("final video path not set")
	}
	if _, err := env.store.Get(context.Background(), task.FinalVideoPath); err != nil {
		t.Fatalf("final video not in store: %v", err)
	}
	if env.composer.concatClips != 3 {
		t.Errorf("concatenated %d clips, want 3", env.composer.concatClips)
	}
	if !env.composer.burned {
		t.Error("subtitles were not burned in")
	}

	last := env.sink.events[len(env.sink.events)-1]
	if last.Kind != domain.EventComplete {
		t.Errorf("last event kind = %s, want complete", last.Kind)
	}
	if last.Overall != 100 {
		t.Errorf("last event overall = %d, want 100", last.Overall)
	}
}

func TestGenerateProgressMonotonic(t *testing.T) {
	env := setupPipeline(t)
	task := testTask("t-mono")

	if err := env.orch.Generate(context.Background(), task, env.sink, nil); err != nil {
		t.Fatalf("generate: %v", err)
	}

	prev := -1
	for i, ev := range env.sink.events {
		if ev.Overall < prev {
			t.Fatalf("event %d: overall %d went backwards from %d", i, ev.Overall, prev)
		}
		prev = ev.Overall
	}
}

func TestRenderFailureIsIsolated(t *testing.T) {
	env := setupPipeline(t)
	base := testImage.fn
	testImage.fn = func(req capability.ImageRequest) (*capability.ImageOutput, error) {
		if strings.Contains(req.Prompt, "prompt-s2") {
			return nil, capability.NewError("stub", capability.ClassInternal, "gpu exploded")
		}
		return base(req)
	}
	task := testTask("t-iso")

	if err := env.orch.Generate(context.Background(), task, env.sink, nil); err != nil {
		t.Fatalf("generate: %v", err)
	}

	render := task.Stages[domain.StageRender]
	if render.Succeeded != 2 || render.Failed != 1 {
		t.Fatalf("render tally = %d/%d, want 2 succeeded 1 failed", render.Succeeded, render.Failed)
	}
	for _, item := range render.Items {
		if item.ItemID == "1:2" && item.Success {
			t.Error("shot 1:2 should have failed")
		}
		if item.ItemID != "1:2" && !item.Success {
			t.Errorf("shot %s should have succeeded", item.ItemID)
		}
	}

	video := task.Stages[domain.StageVideo]
	for _, item := range video.Items {
		if item.ItemID == "1:2" {
			if item.Success {
				t.Error("video for failed render should not succeed")
			}
			if item.Error != "no image available" {
				t.Errorf("video item error = %q", item.Error)
			}
		}
	}

	if env.composer.concatClips != 2 {
		t.Errorf("concatenated %d clips, want 2", env.composer.concatClips)
	}
}

func TestScriptFailureIsFatal(t *testing.T) {
	env := setupPipeline(t)
	testText.fn = func(capability.TextRequest) (*capability.TextOutput, error) {
		return nil, capability.NewError("stub", capability.ClassBadInput, "malformed request")
	}
	task := testTask("t-fatal")

	err := env.orch.Generate(context.Background(), task, env.sink, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "stage script") {
		t.Errorf("error %q should carry stage context", err)
	}
	if task.Stages[domain.StageCharacter] != nil {
		t.Error("character stage should never have run")
	}

	last := env.sink.events[len(env.sink.events)-1]
	if last.Kind != domain.EventError {
		t.Errorf("last event kind = %s, want error", last.Kind)
	}
}

func TestAllItemsFailingIsFatal(t *testing.T) {
	env := setupPipeline(t)
	testImage.fn = func(capability.ImageRequest) (*capability.ImageOutput, error) {
		return nil, capability.NewError("stub", capability.ClassInternal, "backend down")
	}
	task := testTask("t-allfail")

	err := env.orch.Generate(context.Background(), task, env.sink, nil)
	if err == nil {
		t.Fatal("expected failure when zero items succeed")
	}
	if !strings.Contains(err.Error(), "stage character") {
		t.Errorf("error %q should name the character stage", err)
	}
}

func TestVoiceSkipsShotsWithoutDialog(t *testing.T) {
	env := setupPipeline(t)
	task := testTask("t-voice")

	if err := env.orch.Generate(context.Background(), task, env.sink, nil); err != nil {
		t.Fatalf("generate: %v", err)
	}

	voice := task.Stages[domain.StageVoice]
	if voice.Succeeded != 2 {
		t.Errorf("voice succeeded = %d, want 2", voice.Succeeded)
	}
	var skipped int
	for _, item := range voice.Items {
		if item.Skipped {
			skipped++
			if item.Reason != "no_dialog" {
				t.Errorf("skip reason = %q, want no_dialog", item.Reason)
			}
		}
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}

	lipsync := task.Stages[domain.StageLipsync]
	for _, clip := range lipsync.Lipsync {
		if clip.SceneID == 1 && clip.ShotID == 2 {
			if clip.HasLipsync {
				t.Error("shot without dialog should have no lipsync")
			}
			if clip.Reason != "no_dialog" {
				t.Errorf("lipsync reason = %q, want no_dialog", clip.Reason)
			}
		}
	}
}

func TestGeneratePartialReusesEarlierStages(t *testing.T) {
	env := setupPipeline(t)
	ctx := context.Background()

	// Run the full pipeline once, then regenerate from the voice stage with
	// the earlier results carried over.
	first := testTask("t-part")
	if err := env.orch.Generate(ctx, first, env.sink, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}

	second := testTask("t-part2")
	second.Request.RegenerateFrom = domain.StageVoice
	second.Stages = map[domain.Stage]*domain.StageResult{
		domain.StageScript:     first.Stages[domain.StageScript],
		domain.StageCharacter:  first.Stages[domain.StageCharacter],
		domain.StageStoryboard: first.Stages[domain.StageStoryboard],
		domain.StageRender:     first.Stages[domain.StageRender],
		domain.StageVideo:      first.Stages[domain.StageVideo],
	}

	testText.calls, testImage.calls, testVideo.calls = 0, 0, 0

	if err := env.orch.Generate(ctx, second, env.sink, nil); err != nil {
		t.Fatalf("partial run: %v", err)
	}

	if testText.calls != 0 || testImage.calls != 0 || testVideo.calls != 0 {
		t.Errorf("text/image/video providers called %d/%d/%d times, want 0",
			testText.calls, testImage.calls, testVideo.calls)
	}
	if testSpeech.calls == 0 {
		t.Error("speech provider should have run")
	}
	for _, stage := range []domain.Stage{domain.StageScript, domain.StageRender} {
		if !second.Stages[stage].Reused {
			t.Errorf("stage %s should be marked reused", stage)
		}
	}
	if second.FinalVideoPath == "" {
		t.Error("partial run should still produce a final video")
	}
}

func TestGeneratePartialMissingPriorResultIsFatal(t *testing.T) {
	env := setupPipeline(t)
	task := testTask("t-miss")
	task.Request.RegenerateFrom = domain.StageVoice

	err := env.orch.Generate(context.Background(), task, env.sink, nil)
	if err == nil {
		t.Fatal("expected failure for missing prior results")
	}
	if !strings.Contains(err.Error(), "missing prior") {
		t.Errorf("error = %q", err)
	}
}

func TestCancelHonoredAtStageBoundary(t *testing.T) {
	env := setupPipeline(t)
	task := testTask("t-cancel")

	cancelled := func(context.Context) bool {
		return task.Stages[domain.StageRender] != nil
	}

	err := env.orch.Generate(context.Background(), task, env.sink, cancelled)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if task.Stages[domain.StageVideo] != nil {
		t.Error("video stage ran after cancel")
	}
	for _, ev := range env.sink.events {
		if ev.Stage == domain.StageVideo {
			t.Fatalf("video-stage event published after cancel: %+v", ev)
		}
	}
	last := env.sink.events[len(env.sink.events)-1]
	if last.Kind != domain.EventCancelled {
		t.Errorf("last event kind = %s, want cancelled", last.Kind)
	}
}

func TestEnhancePromptTags(t *testing.T) {
	got := enhancePrompt("a rooftop at night", "anime", "9:16")
	for _, want := range []string{"a rooftop at night", "masterpiece", "anime style", "vertical composition"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt %q missing %q", got, want)
		}
	}
}

func TestVoiceAssignment(t *testing.T) {
	chars := []domain.CharacterDef{
		{Name: "Rin", Gender: "female", AgeRange: "young adult"},
		{Name: "Taro", Gender: "male", AgeRange: "adult"},
		{Name: "Momo", AgeRange: "child"},
		{Name: "Kai", Gender: "male", AgeRange: "teen", VoiceSamplePath: "ep/voice/kai.wav"},
	}
	voices := assignVoices(chars)

	if voices["Rin"] != defaultVoices["female_young"] {
		t.Errorf("Rin voice = %s", voices["Rin"])
	}
	if voices["Taro"] != defaultVoices["male_adult"] {
		t.Errorf("Taro voice = %s", voices["Taro"])
	}
	if voices["Momo"] != defaultVoices["child"] {
		t.Errorf("Momo voice = %s", voices["Momo"])
	}
	if voices["Kai"] != "clone:ep/voice/kai.wav" {
		t.Errorf("Kai voice = %s, want clone reference", voices["Kai"])
	}
}

func TestVideoDurationCappedToProviderLimit(t *testing.T) {
	env := setupPipeline(t)
	testVideo.maxDur = 2

	var requested []int
	testVideo.fn = func(req capability.VideoRequest) (*capability.VideoOutput, error) {
		requested = append(requested, req.Duration)
		return &capability.VideoOutput{Video: []byte("mp4-bytes"), Duration: float64(req.Duration)}, nil
	}

	task := testTask("t-cap")
	if err := env.orch.Generate(context.Background(), task, env.sink, nil); err != nil {
		t.Fatalf("generate: %v", err)
	}

	// The script's shots run 4, 3 and 5 seconds; all exceed the provider
	// limit and must be capped before the call.
	if len(requested) != 3 {
		t.Fatalf("video calls = %d, want 3", len(requested))
	}
	for i, d := range requested {
		if d != 2 {
			t.Fatalf("call %d requested %ds, want provider cap of 2s", i, d)
		}
	}
}

func TestRenderDimensions(t *testing.T) {
	cases := []struct {
		ratio string
		w, h  int
	}{
		{"9:16", 768, 1344},
		{"16:9", 1344, 768},
		{"1:1", 1024, 1024},
		{"weird", 768, 1344},
	}
	for _, c := range cases {
		w, h := dimensionsFor(c.ratio)
		if w != c.w || h != c.h {
			t.Errorf("dimensionsFor(%s) = %dx%d, want %dx%d", c.ratio, w, h, c.w, c.h)
		}
	}
}

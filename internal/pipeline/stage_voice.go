package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/mangaforge/mangaforge/pkg/capability"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

// defaultVoices maps (gender, age bracket) to a preset neural voice for
// characters without a cloned voice sample.
var defaultVoices = map[string]string{
	"male_young":   "ja-JP-KeitaNeural",
	"male_adult":   "ja-JP-DaichiNeural",
	"female_young": "ja-JP-NanamiNeural",
	"female_adult": "ja-JP-ShioriNeural",
	"child":        "ja-JP-AoiNeural",
}

// clonePrefix marks a voice assignment that points at a reference audio
// sample instead of a preset voice id.
const clonePrefix = "clone:"

func voiceForCharacter(char domain.CharacterDef) string {
	gender := strings.ToLower(char.Gender)
	age := strings.ToLower(char.AgeRange)

	if strings.Contains(age, "child") || strings.Contains(age, "kid") {
		return defaultVoices["child"]
	}
	young := strings.Contains(age, "young") || strings.Contains(age, "teen")
	switch gender {
	case "male":
		if young {
			return defaultVoices["male_young"]
		}
		return defaultVoices["male_adult"]
	case "female":
		if young {
			return defaultVoices["female_young"]
		}
		return defaultVoices["female_adult"]
	}
	return defaultVoices["female_young"]
}

// assignVoices resolves one voice identity per character: a clone reference
// when a voice sample exists, a preset otherwise.
func assignVoices(characters []domain.CharacterDef) map[string]string {
	voices := make(map[string]string, len(characters))
	for _, char := range characters {
		if char.Name == "" {
			continue
		}
		if char.VoiceSamplePath != "" {
			voices[char.Name] = clonePrefix + char.VoiceSamplePath
		} else {
			voices[char.Name] = voiceForCharacter(char)
		}
	}
	return voices
}

// runVoice synthesizes one dialogue track per shot with a spoken line. Shots
// without dialogue are marked skipped, not failed.
func (p *Pipeline) runVoice(ctx context.Context, st *state, report reporter) (*domain.StageResult, error) {
	result := &domain.StageResult{Stage: domain.StageVoice}
	voices := assignVoices(st.characters)
	audio := make([]domain.ShotAudio, 0, len(st.storyboard))
	withDialog := 0

	for i, shot := range st.storyboard {
		id := itemID(shot.SceneID, shot.ShotID)
		report(i*100/max(len(st.storyboard), 1), fmt.Sprintf("voicing shot %d/%d", i+1, len(st.storyboard)), map[string]any{"shot": id})

		if shot.Dialog == nil || strings.TrimSpace(shot.Dialog.Text) == "" {
			result.Items = append(result.Items, domain.ItemResult{ItemID: id, Skipped: true, Reason: "no_dialog"})
			audio = append(audio, domain.ShotAudio{SceneID: shot.SceneID, ShotID: shot.ShotID})
			continue
		}
		withDialog++

		sa, err := p.voiceShot(ctx, st, shot, voices[shot.Dialog.Speaker])
		item := domain.ItemResult{ItemID: id, Success: err == nil}
		if err != nil {
			item.Error = err.Error()
			sa = domain.ShotAudio{
				SceneID:   shot.SceneID,
				ShotID:    shot.ShotID,
				Speaker:   shot.Dialog.Speaker,
				Text:      shot.Dialog.Text,
				HasDialog: true,
				Error:     err.Error(),
			}
			p.logger.Warn("shot voicing failed", "task_id", st.task.ID, "item", id, "error", err)
		}
		result.Items = append(result.Items, item)
		audio = append(audio, sa)
	}

	result.Tally()
	if withDialog > 0 && result.Succeeded == 0 {
		return nil, fmt.Errorf("all %d dialogue shots failed voicing", withDialog)
	}

	st.audio = audio
	result.Audio = audio
	return result, nil
}

func (p *Pipeline) voiceShot(ctx context.Context, st *state, shot domain.Shot, voiceID string) (domain.ShotAudio, error) {
	var zero domain.ShotAudio

	req := capability.SpeechRequest{
		Text:    shot.Dialog.Text,
		Emotion: shot.Dialog.Emotion,
		Speed:   1.0,
	}
	if samplePath, ok := strings.CutPrefix(voiceID, clonePrefix); ok {
		sample, err := p.store.Get(ctx, samplePath)
		if err != nil {
			return zero, fmt.Errorf("load voice sample: %w", err)
		}
		req.ReferenceAudio = sample
	} else {
		req.VoiceID = voiceID
	}

	out, err := p.generateSpeech(ctx, st, req)
	if err != nil {
		return zero, err
	}

	ext := out.Format
	if ext == "" {
		ext = "mp3"
	}
	contentType := "audio/mpeg"
	if ext == "wav" {
		contentType = "audio/wav"
	}
	path := st.assetPath("audio", fmt.Sprintf("dialog_%d_%d.%s", shot.SceneID, shot.ShotID, ext))
	if _, err := p.store.Put(ctx, path, contentType, out.Audio); err != nil {
		return zero, fmt.Errorf("save dialogue audio: %w", err)
	}

	return domain.ShotAudio{
		SceneID:   shot.SceneID,
		ShotID:    shot.ShotID,
		Speaker:   shot.Dialog.Speaker,
		Text:      shot.Dialog.Text,
		AudioPath: path,
		Duration:  out.Duration,
		HasDialog: true,
		Success:   true,
	}, nil
}

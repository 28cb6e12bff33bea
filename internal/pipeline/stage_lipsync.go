package pipeline

import (
	"context"
	"fmt"

	"github.com/mangaforge/mangaforge/pkg/capability"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

// runLipsync builds a talking-head clip for every shot that has both a voice
// track and a rendered image. Missing inputs yield a reason-coded skip, never
// a failure.
func (p *Pipeline) runLipsync(ctx context.Context, st *state, report reporter) (*domain.StageResult, error) {
	result := &domain.StageResult{Stage: domain.StageLipsync}
	clips := make([]domain.LipsyncClip, 0, len(st.audio))
	eligible := 0

	for i, audio := range st.audio {
		id := itemID(audio.SceneID, audio.ShotID)
		report(i*100/max(len(st.audio), 1), fmt.Sprintf("lip-syncing shot %d/%d", i+1, len(st.audio)), map[string]any{"shot": id})

		if reason := skipReason(audio, st.rendered); reason != "" {
			result.Items = append(result.Items, domain.ItemResult{ItemID: id, Skipped: true, Reason: reason})
			clips = append(clips, domain.LipsyncClip{SceneID: audio.SceneID, ShotID: audio.ShotID, Reason: reason})
			continue
		}
		eligible++

		clip, err := p.lipsyncShot(ctx, st, audio)
		item := domain.ItemResult{ItemID: id, Success: err == nil}
		if err != nil {
			item.Error = err.Error()
			clip = domain.LipsyncClip{SceneID: audio.SceneID, ShotID: audio.ShotID, HasLipsync: true, Error: err.Error()}
			p.logger.Warn("shot lipsync failed", "task_id", st.task.ID, "item", id, "error", err)
		}
		result.Items = append(result.Items, item)
		clips = append(clips, clip)
	}

	result.Tally()
	if eligible > 0 && result.Succeeded == 0 {
		return nil, fmt.Errorf("all %d eligible shots failed lipsync", eligible)
	}

	st.lipsync = clips
	result.Lipsync = clips
	return result, nil
}

func skipReason(audio domain.ShotAudio, rendered []domain.RenderedShot) string {
	if !audio.HasDialog {
		return "no_dialog"
	}
	if !audio.Success || audio.AudioPath == "" {
		return "audio_failed"
	}
	if findRendered(audio.SceneID, audio.ShotID, rendered) == nil {
		return "no_image"
	}
	return ""
}

func (p *Pipeline) lipsyncShot(ctx context.Context, st *state, audio domain.ShotAudio) (domain.LipsyncClip, error) {
	var zero domain.LipsyncClip

	rendered := findRendered(audio.SceneID, audio.ShotID, st.rendered)
	img, err := p.store.Get(ctx, rendered.ImagePath)
	if err != nil {
		return zero, fmt.Errorf("load shot image: %w", err)
	}
	voice, err := p.store.Get(ctx, audio.AudioPath)
	if err != nil {
		return zero, fmt.Errorf("load dialogue audio: %w", err)
	}

	out, err := p.generateLipsync(ctx, st, capability.LipsyncRequest{
		Image:       img,
		Audio:       voice,
		EnhanceFace: true,
		StillMode:   false,
	})
	if err != nil {
		return zero, err
	}

	path := st.assetPath("lipsync", fmt.Sprintf("lipsync_%d_%d.mp4", audio.SceneID, audio.ShotID))
	if _, err := p.store.Put(ctx, path, "video/mp4", out.Video); err != nil {
		return zero, fmt.Errorf("save lipsync clip: %w", err)
	}

	return domain.LipsyncClip{
		SceneID:    audio.SceneID,
		ShotID:     audio.ShotID,
		VideoPath:  path,
		Duration:   out.Duration,
		HasLipsync: true,
		Success:    true,
	}, nil
}

func findRendered(sceneID, shotID int, rendered []domain.RenderedShot) *domain.RenderedShot {
	for i := range rendered {
		if rendered[i].SceneID == sceneID && rendered[i].ShotID == shotID && rendered[i].Success {
			return &rendered[i]
		}
	}
	return nil
}

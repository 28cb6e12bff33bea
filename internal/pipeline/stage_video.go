package pipeline

import (
	"context"
	"fmt"

	"github.com/mangaforge/mangaforge/internal/compose"
	"github.com/mangaforge/mangaforge/pkg/capability"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

// maxClipSeconds caps per-shot animation length; longer shots hold on the
// last frame at edit time.
const maxClipSeconds = 5

// runVideo animates every successfully rendered shot. Shots without a usable
// image are recorded as failed items but do not stop the stage.
func (p *Pipeline) runVideo(ctx context.Context, st *state, report reporter) (*domain.StageResult, error) {
	result := &domain.StageResult{Stage: domain.StageVideo}
	videos := make([]domain.ShotVideo, 0, len(st.rendered))
	renderedOK := 0

	for i, rendered := range st.rendered {
		id := itemID(rendered.SceneID, rendered.ShotID)
		report(i*100/max(len(st.rendered), 1), fmt.Sprintf("animating shot %d/%d", i+1, len(st.rendered)), map[string]any{"shot": id})

		if !rendered.Success || rendered.ImagePath == "" {
			result.Items = append(result.Items, domain.ItemResult{ItemID: id, Error: "no image available"})
			videos = append(videos, domain.ShotVideo{SceneID: rendered.SceneID, ShotID: rendered.ShotID, Error: "no image available"})
			continue
		}
		renderedOK++

		sv, err := p.animateShot(ctx, st, rendered)
		item := domain.ItemResult{ItemID: id, Success: err == nil}
		if err != nil {
			item.Error = err.Error()
			sv = domain.ShotVideo{SceneID: rendered.SceneID, ShotID: rendered.ShotID, Error: err.Error()}
			p.logger.Warn("shot animation failed", "task_id", st.task.ID, "item", id, "error", err)
		}
		result.Items = append(result.Items, item)
		videos = append(videos, sv)
	}

	result.Tally()
	if renderedOK > 0 && result.Succeeded == 0 {
		return nil, fmt.Errorf("all %d shots failed to animate", renderedOK)
	}

	st.videos = videos
	result.Videos = videos
	return result, nil
}

func (p *Pipeline) animateShot(ctx context.Context, st *state, rendered domain.RenderedShot) (domain.ShotVideo, error) {
	var zero domain.ShotVideo

	shot := findShot(rendered.SceneID, rendered.ShotID, st.storyboard)
	movement := capability.CameraStatic
	prompt := ""
	duration := maxClipSeconds
	if shot != nil {
		if shot.CameraMovement != "" {
			movement = capability.CameraMovement(shot.CameraMovement)
		}
		prompt = shot.Action
		if shot.Duration > 0 {
			duration = min(shot.Duration, maxClipSeconds)
		}
	}

	img, err := p.store.Get(ctx, rendered.ImagePath)
	if err != nil {
		return zero, fmt.Errorf("load shot image: %w", err)
	}

	out, err := p.generateVideo(ctx, st, capability.VideoRequest{
		Image:          img,
		Prompt:         prompt,
		Duration:       duration,
		CameraMovement: movement,
		AspectRatio:    st.req.AspectRatio,
	})
	if err != nil {
		return zero, err
	}

	path := st.assetPath("video", fmt.Sprintf("shot_%d_%d.mp4", rendered.SceneID, rendered.ShotID))
	if _, err := p.store.Put(ctx, path, "video/mp4", out.Video); err != nil {
		return zero, fmt.Errorf("save shot video: %w", err)
	}

	dur := out.Duration
	if dur == 0 {
		dur = float64(compose.EstimateDurationSeconds(int64(len(out.Video))))
	}
	return domain.ShotVideo{
		SceneID:   rendered.SceneID,
		ShotID:    rendered.ShotID,
		VideoPath: path,
		Duration:  dur,
		Success:   true,
	}, nil
}

func findShot(sceneID, shotID int, storyboard []domain.Shot) *domain.Shot {
	for i := range storyboard {
		if storyboard[i].SceneID == sceneID && storyboard[i].ShotID == shotID {
			return &storyboard[i]
		}
	}
	return nil
}

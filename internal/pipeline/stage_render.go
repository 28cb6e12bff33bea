package pipeline

import (
	"context"
	"fmt"

	"github.com/mangaforge/mangaforge/pkg/capability"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

// renderDimensions maps aspect ratio to output size in pixels.
var renderDimensions = map[string][2]int{
	"9:16": {768, 1344},
	"16:9": {1344, 768},
	"1:1":  {1024, 1024},
}

func dimensionsFor(aspectRatio string) (int, int) {
	d, ok := renderDimensions[aspectRatio]
	if !ok {
		d = renderDimensions["9:16"]
	}
	return d[0], d[1]
}

// runRender produces one image per storyboard shot, injecting the lead
// character's LoRA and reference image for visual consistency.
func (p *Pipeline) runRender(ctx context.Context, st *state, report reporter) (*domain.StageResult, error) {
	result := &domain.StageResult{Stage: domain.StageRender}
	width, height := dimensionsFor(st.req.AspectRatio)
	rendered := make([]domain.RenderedShot, 0, len(st.storyboard))

	for i, shot := range st.storyboard {
		id := itemID(shot.SceneID, shot.ShotID)
		report(i*100/max(len(st.storyboard), 1), fmt.Sprintf("rendering shot %d/%d", i+1, len(st.storyboard)), map[string]any{"shot": id})

		rs, err := p.renderShot(ctx, st, shot, width, height)
		item := domain.ItemResult{ItemID: id, Success: err == nil}
		if err != nil {
			item.Error = err.Error()
			rs = domain.RenderedShot{SceneID: shot.SceneID, ShotID: shot.ShotID, Error: err.Error()}
			p.logger.Warn("shot render failed", "task_id", st.task.ID, "item", id, "error", err)
		}
		result.Items = append(result.Items, item)
		rendered = append(rendered, rs)
	}

	result.Tally()
	if len(st.storyboard) > 0 && result.Succeeded == 0 {
		return nil, fmt.Errorf("all %d shots failed to render", len(st.storyboard))
	}

	st.rendered = rendered
	result.Rendered = rendered
	return result, nil
}

func (p *Pipeline) renderShot(ctx context.Context, st *state, shot domain.Shot, width, height int) (domain.RenderedShot, error) {
	var zero domain.RenderedShot

	req := capability.ImageRequest{
		Prompt:         shot.ImagePrompt,
		NegativePrompt: shot.NegativePrompt,
		Width:          width,
		Height:         height,
		Steps:          25,
		CFGScale:       7.0,
	}

	if len(shot.Characters) > 0 {
		lead := findCharacter(shot.Characters[0], st.characters)
		if lead != nil {
			req.LoraName = lead.LoraName
			if len(lead.ReferenceImages) > 0 {
				img, err := p.store.Get(ctx, lead.ReferenceImages[0])
				if err == nil {
					req.CharacterImage = img
				} else {
					p.logger.Warn("character reference image unavailable", "task_id", st.task.ID, "character", lead.Name, "error", err)
				}
			}
		}
	}

	out, err := p.generateImage(ctx, st, req)
	if err != nil {
		return zero, err
	}
	if len(out.Images) == 0 {
		return zero, fmt.Errorf("no image generated")
	}

	path := st.assetPath("storyboard", fmt.Sprintf("shot_%d_%d.png", shot.SceneID, shot.ShotID))
	if _, err := p.store.Put(ctx, path, "image/png", out.Images[0]); err != nil {
		return zero, fmt.Errorf("save shot image: %w", err)
	}

	seed := int64(-1)
	if len(out.Seeds) > 0 {
		seed = out.Seeds[0]
	}
	return domain.RenderedShot{
		SceneID:   shot.SceneID,
		ShotID:    shot.ShotID,
		ImagePath: path,
		Seed:      seed,
		Success:   true,
	}, nil
}

func findCharacter(name string, characters []domain.CharacterDef) *domain.CharacterDef {
	for i := range characters {
		if characters[i].Name == name {
			return &characters[i]
		}
	}
	return nil
}

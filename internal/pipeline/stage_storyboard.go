package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/mangaforge/mangaforge/pkg/capability"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

const shotPromptTemplate = `You are a professional storyboard artist. Generate a detailed image prompt for the following shot.

Scene: %s (%s)
Atmosphere: %s
Style: %s

Shot details:
- Camera: %s
- Characters: %s
- Action: %s

Character descriptions:
%s

Generate a detailed image prompt in English that includes:
1. Scene/background description
2. Character appearance and positions
3. Actions and expressions
4. Lighting and mood
5. Composition details

For a %s frame.

Output only the prompt, no explanations.`

var storyboardStyleTags = map[string]string{
	"anime":     "anime style, high quality, detailed, vibrant colors, clean lines, studio ghibli quality",
	"manga":     "manga style, detailed linework, dramatic shading, professional quality",
	"realistic": "photorealistic, cinematic, detailed, professional photography",
	"3d":        "3D render, unreal engine, octane render, high quality",
}

var compositionTags = map[string]string{
	"9:16": "vertical composition, portrait orientation",
	"16:9": "horizontal composition, landscape orientation, cinematic aspect ratio",
}

const storyboardNegativePrompt = "lowres, bad anatomy, bad hands, text, error, missing fingers, " +
	"extra digit, fewer digits, cropped, worst quality, low quality, " +
	"normal quality, jpeg artifacts, signature, watermark, username, " +
	"blurry, deformed, ugly, duplicate, morbid, mutilated"

func enhancePrompt(prompt, style, aspectRatio string) string {
	tags := storyboardStyleTags[style]
	if tags == "" {
		tags = storyboardStyleTags["anime"]
	}
	parts := []string{prompt, "masterpiece, best quality, highly detailed", tags}
	if comp := compositionTags[aspectRatio]; comp != "" {
		parts = append(parts, comp)
	}
	return strings.Join(parts, ", ")
}

// runStoryboard flattens the script into the ordered shot list and fills each
// shot's image prompt, reusing the script's prompt when present and asking
// the text provider otherwise.
func (p *Pipeline) runStoryboard(ctx context.Context, st *state, report reporter) (*domain.StageResult, error) {
	result := &domain.StageResult{Stage: domain.StageStoryboard}
	var shots []domain.Shot
	total := len(st.script.AllShots())
	done := 0

	for _, scene := range st.script.Scenes {
		for _, shot := range scene.Shots {
			report(done*100/max(total, 1), fmt.Sprintf("planning shot %d/%d", done+1, total), nil)
			done++

			shot.SceneID = scene.SceneID
			id := itemID(shot.SceneID, shot.ShotID)

			prompt, err := p.shotPrompt(ctx, st, scene, shot)
			item := domain.ItemResult{ItemID: id, Success: err == nil}
			if err != nil {
				item.Error = err.Error()
				p.logger.Warn("storyboard prompt failed", "task_id", st.task.ID, "item", id, "error", err)
			} else {
				shot.ImagePrompt = prompt
				shot.NegativePrompt = storyboardNegativePrompt
			}
			result.Items = append(result.Items, item)
			shots = append(shots, shot)
		}
	}

	result.Tally()
	if total > 0 && result.Succeeded == 0 {
		return nil, fmt.Errorf("all %d shots failed storyboard planning", total)
	}

	st.storyboard = shots
	result.Storyboard = shots
	return result, nil
}

func (p *Pipeline) shotPrompt(ctx context.Context, st *state, scene domain.Scene, shot domain.Shot) (string, error) {
	if shot.ImagePrompt != "" {
		return enhancePrompt(shot.ImagePrompt, st.req.Style, st.req.AspectRatio), nil
	}

	var descriptions []string
	for _, name := range shot.Characters {
		descriptions = append(descriptions, characterDescription(name, st.characters))
	}

	out, err := p.generateText(ctx, st, capability.TextRequest{
		Messages: []capability.Message{
			capability.SystemMessage("You are an expert storyboard artist."),
			capability.UserMessage(fmt.Sprintf(shotPromptTemplate,
				scene.Location, scene.Time, scene.Atmosphere, st.req.Style,
				shot.CameraType, strings.Join(shot.Characters, ", "), shot.Action,
				strings.Join(descriptions, "\n"), st.req.AspectRatio)),
		},
		Temperature: 0.7,
	})
	if err != nil {
		// The shot's action line is a workable prompt of last resort.
		if shot.Action != "" {
			return enhancePrompt(shot.Action, st.req.Style, st.req.AspectRatio), nil
		}
		return "", err
	}
	return enhancePrompt(out.Content, st.req.Style, st.req.AspectRatio), nil
}

func characterDescription(name string, characters []domain.CharacterDef) string {
	for _, c := range characters {
		if c.Name == name {
			return fmt.Sprintf("%s: %s", name, c.Description)
		}
	}
	return fmt.Sprintf("%s: unknown character", name)
}

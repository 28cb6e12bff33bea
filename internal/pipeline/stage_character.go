package pipeline

import (
	"context"
	"fmt"

	"github.com/mangaforge/mangaforge/pkg/capability"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

const characterPromptTemplate = `You are creating a character reference image for a %s style manga episode.

Character details:
- Name: %s
- Description: %s
- Gender: %s
- Age: %s
- Personality: %s

Generate a detailed image prompt in English for creating a character portrait.
The prompt should include:
1. Character appearance details
2. Clothing and accessories
3. Expression and pose
4. Art style specifications
5. Quality tags

Output only the prompt, no explanations.`

// characterStyleTags maps the visual style to the tags appended to every
// character prompt.
var characterStyleTags = map[string]string{
	"anime":     "anime style, high quality, detailed, vibrant colors, clean lines",
	"manga":     "manga style, black and white, detailed linework, screentone",
	"realistic": "realistic, photorealistic, detailed, cinematic lighting",
	"3d":        "3D render, octane render, high quality, detailed textures",
}

const characterNegativePrompt = "lowres, bad anatomy, bad hands, text, error, missing fingers, " +
	"extra digit, fewer digits, cropped, worst quality, low quality, normal quality, " +
	"jpeg artifacts, signature, watermark, username, blurry, deformed"

func styleTags(style string) string {
	if tags, ok := characterStyleTags[style]; ok {
		return tags
	}
	return characterStyleTags["anime"]
}

// runCharacter builds a reference image per character. A failed character is
// recorded and kept without assets; the stage only fails when every character
// fails.
func (p *Pipeline) runCharacter(ctx context.Context, st *state, report reporter) (*domain.StageResult, error) {
	result := &domain.StageResult{Stage: domain.StageCharacter}
	characters := st.script.Characters
	out := make([]domain.CharacterDef, 0, len(characters))

	for i, char := range characters {
		report(i*100/max(len(characters), 1), fmt.Sprintf("designing character %s", char.Name), map[string]any{"character": char.Name})

		asset, err := p.buildCharacterAsset(ctx, st, char)
		item := domain.ItemResult{ItemID: char.Name, Success: err == nil}
		if err != nil {
			item.Error = err.Error()
			p.logger.Warn("character generation failed", "task_id", st.task.ID, "character", char.Name, "error", err)
			asset = char
		}
		result.Items = append(result.Items, item)
		out = append(out, asset)
	}

	result.Tally()
	if len(characters) > 0 && result.Succeeded == 0 {
		return nil, fmt.Errorf("all %d characters failed", len(characters))
	}

	st.characters = out
	result.Characters = out
	return result, nil
}

func (p *Pipeline) buildCharacterAsset(ctx context.Context, st *state, char domain.CharacterDef) (domain.CharacterDef, error) {
	promptReq := fmt.Sprintf(characterPromptTemplate,
		st.req.Style, char.Name, char.Description, char.Gender, char.AgeRange, char.Personality)

	text, err := p.generateText(ctx, st, capability.TextRequest{
		Messages: []capability.Message{
			capability.SystemMessage("You are an expert at creating image prompts for character generation."),
			capability.UserMessage(promptReq),
		},
		Temperature: 0.7,
	})
	if err != nil {
		return char, fmt.Errorf("character prompt: %w", err)
	}
	char.Prompt = text.Content + ", " + styleTags(st.req.Style)

	images, err := p.generateImage(ctx, st, capability.ImageRequest{
		Prompt:         char.Prompt,
		NegativePrompt: characterNegativePrompt,
		Width:          1024,
		Height:         1024,
		Steps:          30,
		CFGScale:       7.5,
		BatchSize:      1,
	})
	if err != nil {
		return char, fmt.Errorf("character image: %w", err)
	}

	var saved []string
	for i, img := range images.Images {
		path := st.assetPath("character", fmt.Sprintf("%s_%d.png", char.Name, i))
		if _, err := p.store.Put(ctx, path, "image/png", img); err != nil {
			return char, fmt.Errorf("save character image: %w", err)
		}
		saved = append(saved, path)
	}
	char.ReferenceImages = saved
	return char, nil
}

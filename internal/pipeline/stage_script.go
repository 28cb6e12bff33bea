package pipeline

import (
	"context"
	"fmt"

	"github.com/mangaforge/mangaforge/pkg/capability"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

const scriptSystemPrompt = `You are a professional manga-episode screenwriter and storyboard planner. Turn the user's story idea into a complete shot-by-shot script.

Output a strict JSON document with this structure:

{
  "title": "episode title",
  "summary": "one-paragraph synopsis",
  "characters": [
    {
      "name": "character name",
      "description": "visual appearance, suitable for image generation",
      "gender": "male/female",
      "ageRange": "age bracket",
      "personality": "personality traits",
      "voiceStyle": "voice description"
    }
  ],
  "scenes": [
    {
      "sceneId": 1,
      "location": "where the scene takes place",
      "time": "day/night/etc",
      "atmosphere": "mood of the scene",
      "shots": [
        {
          "shotId": 1,
          "duration": 5,
          "cameraType": "wide_shot/medium_shot/close_up/extreme_close_up",
          "cameraMovement": "static/pan_left/pan_right/zoom_in/zoom_out",
          "characters": ["characters in frame"],
          "action": "what happens on screen",
          "imagePrompt": "detailed English prompt for image generation",
          "dialog": {
            "speaker": "speaking character",
            "text": "the spoken line",
            "emotion": "emotion"
          }
        }
      ]
    }
  ]
}

Rules:
1. imagePrompt must be English and describe scene, character appearance, action, expression, lighting and composition.
2. Keep each shot between 3 and 8 seconds.
3. Dialogue must sound natural and fit each character's personality.
4. Keep the total duration close to the target.`

const scriptAnalysisPrompt = `Analyze the following story outline and extract its key facts.

Story:
%s

Target duration: %d seconds
Style: %s
Aspect ratio: %s

Return JSON:
{
  "genre": "genre",
  "mainConflict": "central conflict",
  "keyCharacters": ["main characters"],
  "keyScenes": ["key scenes"],
  "estimatedShots": "estimated shot count",
  "tone": "overall tone"
}`

const scriptExpandPrompt = `Based on the following analysis, write the complete shot-by-shot script.

Story:
%s

Analysis:
%s

Target duration: %d seconds
Style: %s
Aspect ratio: %s

Output the full JSON script exactly in the format required by the system prompt.`

// storyAnalysis is the intermediate result of the analyze step, folded into
// the expansion prompt.
type storyAnalysis struct {
	Genre          string   `json:"genre"`
	MainConflict   string   `json:"mainConflict"`
	KeyCharacters  []string `json:"keyCharacters"`
	KeyScenes      []string `json:"keyScenes"`
	EstimatedShots string   `json:"estimatedShots"`
	Tone           string   `json:"tone"`
}

// runScript parses and expands the user's story into a structured script.
// Any step failure is stage-fatal.
func (p *Pipeline) runScript(ctx context.Context, st *state, report reporter) (*domain.StageResult, error) {
	input := st.req.ScriptOverride
	if input == "" {
		return nil, fmt.Errorf("empty script input")
	}

	var analysisJSON string

	steps := []step{
		{name: "analyze story", run: func(ctx context.Context, st *state) error {
			report(10, "analyzing story", nil)
			out, err := p.generateText(ctx, st, capability.TextRequest{
				Messages: []capability.Message{
					capability.SystemMessage("You are a professional story analyst. Answer with a JSON document."),
					capability.UserMessage(fmt.Sprintf(scriptAnalysisPrompt, input, st.req.TargetDuration, st.req.Style, st.req.AspectRatio)),
				},
				JSONOnly: true,
			})
			if err != nil {
				return err
			}
			var analysis storyAnalysis
			if err := decodeJSONOutput(out.Content, &analysis); err != nil {
				// A malformed analysis is tolerable: expansion still works
				// from the raw story.
				p.logger.Warn("story analysis unparsable, continuing without it", "task_id", st.task.ID, "error", err)
				analysisJSON = "{}"
				return nil
			}
			analysisJSON = out.Content
			return nil
		}},
		{name: "generate script", run: func(ctx context.Context, st *state) error {
			report(40, "writing shot-by-shot script", nil)
			out, err := p.generateText(ctx, st, capability.TextRequest{
				Messages: []capability.Message{
					capability.SystemMessage(scriptSystemPrompt),
					capability.UserMessage(fmt.Sprintf(scriptExpandPrompt, input, analysisJSON, st.req.TargetDuration, st.req.Style, st.req.AspectRatio)),
				},
				JSONOnly: true,
			})
			if err != nil {
				return err
			}
			var script domain.Script
			if err := decodeJSONOutput(out.Content, &script); err != nil {
				return fmt.Errorf("parse script output: %w", err)
			}
			st.script = &script
			return nil
		}},
		{name: "validate script", run: func(ctx context.Context, st *state) error {
			report(90, "validating script", nil)
			var missing []string
			if st.script.Title == "" {
				missing = append(missing, "title")
			}
			if len(st.script.Characters) == 0 {
				missing = append(missing, "characters")
			}
			if len(st.script.Scenes) == 0 {
				missing = append(missing, "scenes")
			}
			if len(missing) > 0 {
				return fmt.Errorf("script missing required fields: %v", missing)
			}

			total := 0
			for _, sc := range st.script.Scenes {
				for _, shot := range sc.Shots {
					d := shot.Duration
					if d <= 0 {
						d = 5
					}
					total += d
				}
			}
			st.script.TotalDuration = total
			return nil
		}},
	}

	if err := p.runSteps(ctx, st, steps); err != nil {
		return nil, err
	}

	shots := st.script.AllShots()
	return &domain.StageResult{
		Stage:     domain.StageScript,
		Script:    st.script,
		Succeeded: len(shots),
	}, nil
}

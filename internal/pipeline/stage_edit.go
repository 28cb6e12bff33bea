package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mangaforge/mangaforge/internal/compose"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

// clipRef pairs one shot with its best available visual.
type clipRef struct {
	shot      domain.Shot
	assetPath string
	localPath string
}

// runEdit assembles the final episode: best clip per shot in (scene, shot)
// order, optional background music, optional burned-in subtitles. Any step
// failure other than the BGM and subtitle fallbacks is stage-fatal. The
// scratch directory is removed unconditionally.
func (p *Pipeline) runEdit(ctx context.Context, st *state, report reporter) (*domain.StageResult, error) {
	scratch := filepath.Join(p.workDir, st.task.ID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	var (
		clips    []clipRef
		videoOut = filepath.Join(scratch, "episode.mp4")
	)

	steps := []step{
		{name: "prepare clips", run: func(ctx context.Context, st *state) error {
			report(10, "collecting clips", nil)
			var err error
			clips, err = p.prepareClips(ctx, st, scratch)
			if err != nil {
				return err
			}
			if len(clips) == 0 {
				return fmt.Errorf("no clips available")
			}
			return nil
		}},
		{name: "concat clips", run: func(ctx context.Context, st *state) error {
			report(40, fmt.Sprintf("concatenating %d clips", len(clips)), nil)
			paths := make([]string, len(clips))
			for i, c := range clips {
				paths[i] = c.localPath
			}
			if err := p.composer.Concat(ctx, paths, videoOut); err != nil {
				return fmt.Errorf("concatenate clips: %w", err)
			}
			return nil
		}},
		{name: "mix bgm", run: func(ctx context.Context, st *state) error {
			if st.req.BGMPath == "" {
				return nil
			}
			report(60, "mixing background music", nil)
			mixed := filepath.Join(scratch, "episode_bgm.mp4")
			if err := p.composer.MixBGM(ctx, videoOut, st.req.BGMPath, st.req.BGMVolume, mixed); err != nil {
				// The silent cut is still a deliverable.
				p.logger.Warn("bgm mix failed, keeping original audio", "task_id", st.task.ID, "error", err)
				return nil
			}
			videoOut = mixed
			return nil
		}},
		{name: "burn subtitles", run: func(ctx context.Context, st *state) error {
			if !st.req.AddSubtitles {
				return nil
			}
			report(75, "burning subtitles", nil)
			shots := make([]domain.Shot, len(clips))
			for i, c := range clips {
				shots[i] = c.shot
			}
			srt := compose.BuildSRT(shots)
			if srt == "" {
				return nil
			}
			srtPath := filepath.Join(scratch, "subtitles.srt")
			if err := os.WriteFile(srtPath, []byte(srt), 0o644); err != nil {
				return fmt.Errorf("write subtitles: %w", err)
			}
			subbed := filepath.Join(scratch, "episode_sub.mp4")
			if err := p.composer.BurnSubtitles(ctx, videoOut, srtPath, subbed); err != nil {
				p.logger.Warn("subtitle burn failed, delivering without subtitles", "task_id", st.task.ID, "error", err)
				return nil
			}
			videoOut = subbed
			st.hasSubtitle = true
			return nil
		}},
		{name: "upload final video", run: func(ctx context.Context, st *state) error {
			report(90, "uploading final video", nil)
			data, err := os.ReadFile(videoOut)
			if err != nil {
				return fmt.Errorf("read final video: %w", err)
			}
			path := st.assetPath("final", fmt.Sprintf("episode_%s.mp4", st.task.ID))
			if _, err := p.store.Put(ctx, path, "video/mp4", data); err != nil {
				return fmt.Errorf("save final video: %w", err)
			}
			st.finalVideo = path
			st.clipCount = len(clips)
			st.estimatedDuration = compose.EstimateDurationSeconds(int64(len(data)))
			return nil
		}},
	}

	if err := p.runSteps(ctx, st, steps); err != nil {
		return nil, err
	}

	return &domain.StageResult{
		Stage:       domain.StageEdit,
		Succeeded:   len(clips),
		FinalVideo:  st.finalVideo,
		ClipCount:   st.clipCount,
		HasSubtitle: st.hasSubtitle,
	}, nil
}

// prepareClips picks the best visual per shot (lip-synced clip over plain
// video) in (scene, shot) order and materializes each one in the scratch dir.
func (p *Pipeline) prepareClips(ctx context.Context, st *state, scratch string) ([]clipRef, error) {
	shots := make([]domain.Shot, len(st.storyboard))
	copy(shots, st.storyboard)
	sort.SliceStable(shots, func(i, j int) bool {
		if shots[i].SceneID != shots[j].SceneID {
			return shots[i].SceneID < shots[j].SceneID
		}
		return shots[i].ShotID < shots[j].ShotID
	})

	var clips []clipRef
	for _, shot := range shots {
		path := bestClipPath(shot, st.lipsync, st.videos)
		if path == "" {
			continue
		}
		data, err := p.store.Get(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("load clip %s: %w", path, err)
		}
		local := filepath.Join(scratch, fmt.Sprintf("clip_%d_%d.mp4", shot.SceneID, shot.ShotID))
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return nil, fmt.Errorf("write clip: %w", err)
		}
		clips = append(clips, clipRef{shot: shot, assetPath: path, localPath: local})
	}
	return clips, nil
}

func bestClipPath(shot domain.Shot, lipsync []domain.LipsyncClip, videos []domain.ShotVideo) string {
	for _, clip := range lipsync {
		if clip.SceneID == shot.SceneID && clip.ShotID == shot.ShotID && clip.HasLipsync && clip.Success && clip.VideoPath != "" {
			return clip.VideoPath
		}
	}
	for _, v := range videos {
		if v.SceneID == shot.SceneID && v.ShotID == shot.ShotID && v.Success && v.VideoPath != "" {
			return v.VideoPath
		}
	}
	return ""
}

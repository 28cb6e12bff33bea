package compose

import (
	"fmt"
	"strings"
	"time"

	"github.com/mangaforge/mangaforge/pkg/domain"
)

// BuildSRT renders subtitle cues from the ordered shot list. Each shot with
// dialogue gets one cue spanning its duration; shots without dialogue still
// advance the clock.
func BuildSRT(shots []domain.Shot) string {
	var b strings.Builder
	current := time.Duration(0)
	index := 1
	for _, shot := range shots {
		dur := time.Duration(shot.Duration) * time.Second
		if dur <= 0 {
			dur = time.Second
		}
		if shot.Dialog != nil && strings.TrimSpace(shot.Dialog.Text) != "" {
			fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
				index,
				formatSRTTime(current),
				formatSRTTime(current+dur),
				cueText(shot.Dialog),
			)
			index++
		}
		current += dur
	}
	return b.String()
}

func cueText(d *domain.Dialog) string {
	text := strings.TrimSpace(d.Text)
	if d.Speaker != "" {
		return "【" + d.Speaker + "】" + text
	}
	return text
}

func formatSRTTime(d time.Duration) string {
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	ms := int(d/time.Millisecond) % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

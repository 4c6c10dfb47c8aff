package main

import (
	"os"
	"strings"

	"github.com/flashkit/bekenboot"
	"github.com/schollz/progressbar/v3"
)

// progressRenderer draws one bar per byte counting stage and logs the other
// progress events.
type progressRenderer struct {
	bar   *progressbar.ProgressBar
	stage bekenboot.Stage
}

func newProgressRenderer() *progressRenderer {
	return &progressRenderer{}
}

func (r *progressRenderer) update(p bekenboot.Progress) {
	switch p.Stage {
	case bekenboot.StageErase, bekenboot.StageWrite, bekenboot.StageRead:
		if r.bar == nil || r.stage != p.Stage {
			r.finish()
			r.stage = p.Stage
			r.bar = progressbar.NewOptions(p.BytesTotal,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription(strings.Title(string(p.Stage))),
				progressbar.OptionShowBytes(true),
			)
		}
		r.bar.Set(p.BytesDone)
	case bekenboot.StageError:
		r.finish()
	default:
		r.finish()
		if p.Message != "" {
			log.Info(p.Message)
		}
	}
}

func (r *progressRenderer) finish() {
	if r.bar == nil {
		return
	}
	r.bar.Finish()
	os.Stderr.WriteString("\n")
	r.bar = nil
}

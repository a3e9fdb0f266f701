package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uiprogress"

	"github.com/prxssh/leech/internal/torrent"
)

type progress struct {
	t   *torrent.Torrent
	ui  *uiprogress.Progress
	bar *uiprogress.Bar
}

func startProgress(t *torrent.Torrent) *progress {
	ui := uiprogress.New()
	ui.SetRefreshInterval(250 * time.Millisecond)

	p := &progress{t: t, ui: ui}
	p.bar = ui.AddBar(len(t.Meta.Info.Pieces))
	p.bar.AppendCompleted()
	p.bar.AppendFunc(func(*uiprogress.Bar) string {
		st := t.Stats()
		return fmt.Sprintf("%s/%s  peers %d  down %s/s  up %s/s",
			humanize.IBytes(uint64(st.Verified)),
			humanize.IBytes(uint64(t.Meta.Size())),
			st.Peers,
			humanize.IBytes(st.DownloadRate),
			humanize.IBytes(st.UploadRate),
		)
	})
	p.bar.PrependElapsed()

	ui.Start()
	return p
}

func (p *progress) run(ctx context.Context) {
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			_ = p.bar.Set(p.t.Stats().Completed)
		}
	}
}

func (p *progress) stop() {
	_ = p.bar.Set(p.t.Stats().Completed)
	p.ui.Stop()
}

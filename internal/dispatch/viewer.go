package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"listingwatch/internal/eventbus"
	logx "listingwatch/pkg/logx"
)

// ViewerFailure is the payload of eventbus.ViewerFailed.
type ViewerFailure struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// viewerGroup runs bounded, isolated viewer launches for one batch.
type viewerGroup struct {
	ctx context.Context
	o   *Orchestrator
	log logx.Logger
	g   errgroup.Group

	mu sync.Mutex
	st *BatchStats
}

func newViewerGroup(ctx context.Context, o *Orchestrator, log logx.Logger, st *BatchStats) *viewerGroup {
	v := &viewerGroup{ctx: ctx, o: o, log: log, st: st}
	v.g.SetLimit(o.viewerParallel)
	return v
}

func (v *viewerGroup) open(url string) {
	v.g.Go(func() error {
		err := v.o.viewer.Open(v.ctx, url)
		v.mu.Lock()
		if err != nil {
			v.st.ViewerFailed++
		} else {
			v.st.Opened++
		}
		v.mu.Unlock()
		if err != nil {
			v.log.Warn("failed to open url in viewer", logx.String("url", url), logx.Err(err))
			eventbus.Emit(v.o.bus, eventbus.ViewerFailed, ViewerFailure{URL: url, Error: err.Error()})
		}
		return nil
	})
}

func (v *viewerGroup) wait() {
	_ = v.g.Wait()
}

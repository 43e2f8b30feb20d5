package source

import (
	"context"
	"os"
	"regexp"

	logx "listingwatch/pkg/logx"
)

// fileSource reads one URL per line from cfg.Path on every run. Search
// terms do not apply.
type fileSource struct {
	cfg     Config
	include *regexp.Regexp
	log     logx.Logger
}

func (s *fileSource) Name() string { return s.cfg.Name }

func (s *fileSource) Discover(ctx context.Context, _ []string, rec Recorder) ([]string, error) {
	if rec == nil {
		rec = nopRecorder{}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		rec.RecordError(s.cfg.Name, err)
		return nil, err
	}
	defer f.Close()

	urls, err := readURLs(f, s.include, 0)
	if err != nil {
		rec.RecordError(s.cfg.Name, err)
		return nil, err
	}
	rec.RecordTerm(s.cfg.Name, s.cfg.Path, len(urls))
	s.log.Debug("url file read", logx.String("path", s.cfg.Path), logx.Int("found", len(urls)))
	return urls, nil
}

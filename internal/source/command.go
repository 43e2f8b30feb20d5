package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"golang.org/x/time/rate"

	logx "listingwatch/pkg/logx"
)

const termPlaceholder = "{term}"

// commandSource runs cfg.Command once per search term. The term replaces
// "{term}" in the arguments, or is appended as the last argument when no
// argument contains the placeholder.
type commandSource struct {
	cfg     Config
	include *regexp.Regexp
	log     logx.Logger
	limiter *rate.Limiter
}

func newCommand(cfg Config, include *regexp.Regexp, log logx.Logger) *commandSource {
	if cfg.MaxPerTerm <= 0 {
		cfg.MaxPerTerm = DefaultMaxPerTerm
	}
	if cfg.TermSpacing < 0 {
		cfg.TermSpacing = 0
	} else if cfg.TermSpacing == 0 {
		cfg.TermSpacing = DefaultTermSpacing
	}
	limit := rate.Inf
	if cfg.TermSpacing > 0 {
		limit = rate.Every(cfg.TermSpacing)
	}
	return &commandSource{cfg: cfg, include: include, log: log, limiter: rate.NewLimiter(limit, 1)}
}

func (s *commandSource) Name() string { return s.cfg.Name }

func (s *commandSource) Discover(ctx context.Context, terms []string, rec Recorder) ([]string, error) {
	if rec == nil {
		rec = nopRecorder{}
	}
	switch {
	case len(terms) > 0:
		s.log.Info("using custom search terms", logx.Strings("terms", terms), logx.Int("count", len(terms)))
	case len(s.cfg.Terms) > 0:
		terms = s.cfg.Terms
	default:
		terms = DefaultTerms
		s.log.Info("using default search terms", logx.Int("count", len(terms)))
	}

	var (
		out    []string
		failed int
	)
	for _, term := range terms {
		if err := s.limiter.Wait(ctx); err != nil {
			return out, err
		}
		urls, err := s.search(ctx, term)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			failed++
			rec.RecordError(s.cfg.Name, fmt.Errorf("term %q: %w", term, err))
			continue
		}
		s.log.Info("search complete", logx.String("term", term), logx.Int("found", len(urls)))
		rec.RecordTerm(s.cfg.Name, term, len(urls))
		out = append(out, urls...)
	}
	if len(terms) > 0 && failed == len(terms) {
		return out, ErrAllTermsFailed
	}
	return out, nil
}

func (s *commandSource) search(ctx context.Context, term string) ([]string, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, s.args(term)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	s.log.Debug("running producer", logx.String("term", term), logx.String("cmd", s.cfg.Command))
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %s", err, lastLine(stderr.String()))
		}
		return nil, err
	}
	return readURLs(&stdout, s.include, s.cfg.MaxPerTerm)
}

func (s *commandSource) args(term string) []string {
	args := make([]string, 0, len(s.cfg.Args)+1)
	replaced := false
	for _, a := range s.cfg.Args {
		if strings.Contains(a, termPlaceholder) {
			a = strings.ReplaceAll(a, termPlaceholder, term)
			replaced = true
		}
		args = append(args, a)
	}
	if !replaced {
		args = append(args, term)
	}
	return args
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// Package source discovers listing URLs from external producers.
//
// Scraping itself happens outside this process: a "command" source runs a
// producer once per search term and reads URLs from its stdout, a "file"
// source reads URLs from a file another tool maintains.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	logx "listingwatch/pkg/logx"
)

const (
	KindCommand = "command"
	KindFile    = "file"

	DefaultMaxPerTerm  = 20
	DefaultTermSpacing = 3 * time.Second
)

var (
	ErrAllTermsFailed = errors.New("source: every search term failed")
	ErrUnknownKind    = errors.New("source: unknown kind")
)

// DefaultTerms are searched when neither the command line nor the source
// config names any.
var DefaultTerms = []string{
	"yale doorman", "oskilloskooppi", "rasberry pi", "arduino", "genelec", "kaiuttimet",
	"pyörän kattoteline", "agilent", "rigol", "tektronix", "lecroy", "sähkökitara",
}

type Config struct {
	Name    string
	Kind    string
	Command string
	Args    []string
	Terms   []string
	Path    string
	// Include keeps only URLs matching this regular expression. Empty keeps all.
	Include     string
	TermSpacing time.Duration
	MaxPerTerm  int
	Timeout     time.Duration
}

// Recorder receives per-term progress. *monitor.Monitor implements it.
type Recorder interface {
	RecordTerm(source, term string, found int)
	RecordError(source string, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordTerm(string, string, int) {}
func (nopRecorder) RecordError(string, error)      {}

type Source interface {
	Name() string
	// Discover returns the URLs found for terms, in discovery order. Empty
	// terms means the source's configured or default terms.
	Discover(ctx context.Context, terms []string, rec Recorder) ([]string, error)
}

func New(cfg Config, log logx.Logger) (Source, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, errors.New("source: name required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("source", cfg.Name))

	var include *regexp.Regexp
	if cfg.Include != "" {
		re, err := regexp.Compile(cfg.Include)
		if err != nil {
			return nil, fmt.Errorf("source %s: include: %w", cfg.Name, err)
		}
		include = re
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case KindCommand, "":
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, fmt.Errorf("source %s: command required", cfg.Name)
		}
		return newCommand(cfg, include, log), nil
	case KindFile:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("source %s: path required", cfg.Name)
		}
		return &fileSource{cfg: cfg, include: include, log: log}, nil
	default:
		return nil, fmt.Errorf("%w %q for source %s", ErrUnknownKind, cfg.Kind, cfg.Name)
	}
}

// readURLs collects non-empty, non-comment lines from r, dropping
// duplicates and lines include rejects. limit <= 0 means unlimited.
func readURLs(r io.Reader, include *regexp.Regexp, limit int) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if include != nil && !include.MatchString(line) {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		if limit > 0 && len(out) >= limit {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

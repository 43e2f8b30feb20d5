package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	logx "listingwatch/pkg/logx"
)

// journal owns the URL set of one journal file. Every handle opened on the
// same path shares it, so concurrent batches agree on what is new.
type journal struct {
	path string
	refs int // guarded by journals.mu

	mu   sync.Mutex
	f    *os.File
	seen map[string]struct{}
}

var journals = struct {
	mu sync.Mutex
	m  map[string]*journal
}{m: map[string]*journal{}}

// fileStore is a handle on a shared journal. The journal is replayed when
// the first handle opens it and closed with the last one.
type fileStore struct {
	log logx.Logger
	j   *journal

	mu     sync.Mutex
	closed bool
}

type linkRecord struct {
	URL string `json:"url"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, err
	}

	journals.mu.Lock()
	defer journals.mu.Unlock()
	if j, ok := journals.m[path]; ok {
		j.refs++
		return &fileStore{log: log, j: j}, nil
	}

	j, err := loadJournal(path)
	if err != nil {
		return nil, err
	}
	j.refs = 1
	journals.m[path] = j
	log.Debug("file store opened", logx.String("path", path), logx.Int("urls", len(j.seen)))
	return &fileStore{log: log, j: j}, nil
}

func loadJournal(path string) (*journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	if err := replayJournal(path, seen); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := terminateLastLine(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &journal{path: path, f: f, seen: seen}, nil
}

func (s *fileStore) InsertIfAbsent(ctx context.Context, url string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false, ErrClosed
	}

	j := s.j
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return false, ErrClosed
	}
	if _, ok := j.seen[url]; ok {
		return false, nil
	}
	if err := json.NewEncoder(j.f).Encode(linkRecord{URL: url}); err != nil {
		return false, err
	}
	j.seen[url] = struct{}{}
	return true, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	journals.mu.Lock()
	defer journals.mu.Unlock()
	j := s.j
	j.refs--
	if j.refs > 0 {
		return nil
	}
	delete(journals.m, j.path)

	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.f.Sync()
	if cerr := j.f.Close(); err == nil {
		err = cerr
	}
	j.f = nil
	return err
}

func replayJournal(path string, out map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r linkRecord
		// A torn last line from a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out[r.URL] = struct{}{}
	}
	return sc.Err()
}

// terminateLastLine appends a newline when the journal ends mid-record,
// so the next append starts on a fresh line.
func terminateLastLine(f *os.File) error {
	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

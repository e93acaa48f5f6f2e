package link

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/stephnangue/capsule/logger"
)

// Store maps resource names to their links. It is owned by the background
// loop; nothing else mutates it, so it carries no lock.
type Store struct {
	path   string
	links  map[string]Link
	clock  Clock
	logger logger.Logger
}

func NewStore(path string, clock Clock, log logger.Logger) *Store {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Store{
		path:   path,
		links:  make(map[string]Link),
		clock:  clock,
		logger: log,
	}
}

func (s *Store) Path() string { return s.path }

// Load replaces the in-memory links with the content of the links file.
// A missing or malformed file yields an empty store.
func (s *Store) Load() {
	links, err := ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("links file unreadable, starting from an empty store",
				logger.String("path", s.path),
				logger.Err(err),
			)
		}
		links = make(map[string]Link)
	}
	s.links = links
}

// Save overwrites the links file with the in-memory links. The caller logs
// the error; the next cycle saves again.
func (s *Store) Save() error {
	return WriteFile(s.path, s.links)
}

func (s *Store) Get(name string) (Link, bool) {
	l, ok := s.links[name]
	return l, ok
}

func (s *Store) Put(name string, l Link) {
	s.links[name] = l
}

func (s *Store) Delete(name string) {
	delete(s.links, name)
}

func (s *Store) Len() int { return len(s.links) }

// Names returns the resource names in lexical order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.links))
	for name := range s.links {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ensure returns the link of name, creating one with a fresh token when
// the name is unknown.
func (s *Store) Ensure(name string) Link {
	if l, ok := s.links[name]; ok {
		return l
	}
	l := New(s.clock.Now())
	s.links[name] = l
	s.logger.Info("created link",
		logger.String("resource", name),
		logger.String("token", l.TokenString()),
		logger.Time("expiry", *l.Expiry),
	)
	return l
}

// Adopt returns the link of name bound to an observed token. Unknown names
// get a default link carrying that token; a known name with another token
// switches to the observed one and keeps its policy.
func (s *Store) Adopt(name string, token uuid.UUID) Link {
	l, ok := s.links[name]
	switch {
	case !ok:
		l = WithToken(token, s.clock.Now())
		s.logger.Info("adding missing link from mirrored tree",
			logger.String("resource", name),
			logger.String("token", token.String()),
		)
	case l.Token != token:
		s.logger.Warn("links file disagrees with mirrored tree, keeping mirrored token",
			logger.String("resource", name),
			logger.String("stored", l.TokenString()),
			logger.String("observed", token.String()),
		)
		l.Token = token
	default:
		return l
	}
	s.links[name] = l
	return l
}

// Prune removes every link for which keep returns false and returns the
// removed names.
func (s *Store) Prune(keep func(name string, l Link) bool) []string {
	var removed []string
	for name, l := range s.links {
		if !keep(name, l) {
			delete(s.links, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Snapshot returns a copy of the links.
func (s *Store) Snapshot() map[string]Link {
	out := make(map[string]Link, len(s.links))
	for k, v := range s.links {
		out[k] = v
	}
	return out
}

// ReadFile decodes a links file.
func ReadFile(path string) (map[string]Link, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	links := make(map[string]Link)
	if err := json.Unmarshal(data, &links); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if links == nil {
		// the document was a literal null
		links = make(map[string]Link)
	}
	return links, nil
}

// WriteFile encodes links pretty-printed and replaces path atomically.
func WriteFile(path string, links map[string]Link) error {
	data, err := json.MarshalIndent(links, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding links: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temporary links file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing links file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing links file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing links file: %w", err)
	}
	return nil
}

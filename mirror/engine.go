// Package mirror keeps the token-named serving tree in step with the private
// source tree and the links file.
//
// The mirrored root holds one directory per live token, and each of those
// holds exactly one entry: a copy of the private resource the token grants
// access to.
//
//	<mirror>/<token>/<resource>[/...]
package mirror

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/stephnangue/capsule/link"
	"github.com/stephnangue/capsule/logger"
	"github.com/stephnangue/capsule/metrics"
)

// Subscriber starts change notifications for a directory tree.
type Subscriber interface {
	Watch(root string) error
}

// Config configures an Engine
type Config struct {
	SourceRoot string
	MirrorRoot string
	Store      *link.Store
	Clock      link.Clock
	Logger     logger.Logger
	Metrics    *metrics.Metrics
}

// Engine reconciles the private source tree, the links and the mirrored
// tree. It must only be driven from a single goroutine.
type Engine struct {
	source  string
	mirror  string
	store   *link.Store
	clock   link.Clock
	logger  logger.Logger
	metrics *metrics.Metrics
}

func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = link.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NopLogger()
	}
	return &Engine{
		source:  filepath.Clean(cfg.SourceRoot),
		mirror:  filepath.Clean(cfg.MirrorRoot),
		store:   cfg.Store,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// FullSync rebuilds the mirrored tree from scratch, reconciles it and then
// subscribes to changes of the source tree. Only failing to create the
// mirrored root or to establish the watch is fatal.
func (e *Engine) FullSync(sub Subscriber) error {
	e.logger.Info("cleaning up mirrored root", logger.String("path", e.mirror))
	if err := os.RemoveAll(e.mirror); err != nil {
		return fmt.Errorf("removing mirrored root %s: %w", e.mirror, err)
	}
	if err := os.MkdirAll(e.mirror, 0o755); err != nil {
		return fmt.Errorf("creating mirrored root %s: %w", e.mirror, err)
	}
	if err := os.MkdirAll(e.source, 0o755); err != nil {
		return fmt.Errorf("creating private root %s: %w", e.source, err)
	}

	e.store.Load()

	entries, err := os.ReadDir(e.source)
	if err != nil {
		return fmt.Errorf("reading private root %s: %w", e.source, err)
	}

	var failed int
	for _, entry := range entries {
		name := entry.Name()
		l := e.store.Ensure(name)
		dst := filepath.Join(e.mirror, l.TokenString(), name)

		e.logger.Info("mirroring private resource",
			logger.String("resource", name),
			logger.String("token", l.TokenString()),
		)
		n, err := copyTree(filepath.Join(e.source, name), dst)
		e.metrics.MirrorCopies(n)
		if err != nil {
			failed++
			e.logger.Error("failed to mirror private resource",
				logger.String("resource", name),
				logger.Err(err),
			)
		}
	}
	e.metrics.ReconcileErrors(failed)

	if err := e.CheckConsistency(); err != nil {
		e.logger.Warn("initial consistency check finished with errors", logger.Err(err))
	}

	if sub != nil {
		if err := sub.Watch(e.source); err != nil {
			return fmt.Errorf("watching %s: %w", e.source, err)
		}
		e.logger.Info("watching private root", logger.String("path", e.source))
	}
	return nil
}

// CheckConsistency walks the token directories of the mirrored tree and
// repairs them against the source tree and the links: orphaned, empty and
// stale directories are removed, expired tokens are rotated (or their
// resources deleted), links without a token directory are dropped, and the
// links file is rewritten. Failed repairs are logged and returned together;
// none of them stops the pass.
func (e *Engine) CheckConsistency() error {
	var result *multierror.Error

	entries, err := os.ReadDir(e.mirror)
	if err != nil {
		e.metrics.ReconcileErrors(1)
		return fmt.Errorf("reading mirrored root %s: %w", e.mirror, err)
	}

	for _, entry := range entries {
		if err := e.checkEntry(entry); err != nil {
			result = multierror.Append(result, err)
		}
	}

	removed := e.store.Prune(func(name string, l link.Link) bool {
		return exists(filepath.Join(e.mirror, l.TokenString(), name))
	})
	for _, name := range removed {
		e.logger.Info("dropped link without mirrored directory", logger.String("resource", name))
	}

	e.metrics.Links(e.store.Len())
	if err := e.store.Save(); err != nil {
		e.logger.Error("failed to save links file",
			logger.String("path", e.store.Path()),
			logger.Err(err),
		)
		result = multierror.Append(result, err)
	}

	if result != nil {
		e.metrics.ReconcileErrors(len(result.Errors))
	}
	return result.ErrorOrNil()
}

func (e *Engine) checkEntry(entry fs.DirEntry) error {
	dir := filepath.Join(e.mirror, entry.Name())
	if !entry.IsDir() {
		e.logger.Debug("ignoring non-directory in mirrored root", logger.String("path", dir))
		return nil
	}

	token, err := link.ParseToken(entry.Name())
	if err != nil {
		e.logger.Info("removing directory with invalid token", logger.String("path", dir))
		return e.remove(dir)
	}

	children, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	switch {
	case len(children) == 0:
		e.logger.Info("removing empty token directory", logger.String("path", dir))
		return e.remove(dir)
	case len(children) > 1:
		e.logger.Error("token directory has more than one entry, leaving it alone",
			logger.String("path", dir),
			logger.Int("entries", len(children)),
		)
		return nil
	}

	name := children[0].Name()
	if !exists(filepath.Join(e.source, name)) {
		e.logger.Info("removing mirror of deleted resource",
			logger.String("resource", name),
			logger.String("path", dir),
		)
		return e.remove(dir)
	}

	if stored, ok := e.store.Get(name); ok && stored.Token != token &&
		exists(filepath.Join(e.mirror, stored.TokenString(), name)) {
		e.logger.Info("removing stale token directory",
			logger.String("resource", name),
			logger.String("path", dir),
		)
		return e.remove(dir)
	}

	current := e.store.Adopt(name, token)
	next, outcome := current.ChangeIfExpired(e.clock.Now())

	switch outcome {
	case link.ExpirySet:
		e.store.Put(name, next)

	case link.Remove:
		// the resulting delete is picked up by the next pass
		e.logger.Info("link expired, removing resource from private root",
			logger.String("resource", name),
		)
		if err := e.remove(filepath.Join(e.source, name)); err != nil {
			return err
		}
		e.metrics.Removal()

	case link.Rotated:
		newDir := filepath.Join(e.mirror, next.TokenString())
		if err := os.Rename(dir, newDir); err != nil {
			return fmt.Errorf("renaming %s to %s: %w", dir, newDir, err)
		}
		e.store.Put(name, next)
		e.metrics.Rotation()
		e.logger.Info("generated new token",
			logger.String("resource", name),
			logger.String("token", next.TokenString()),
			logger.Time("expiry", *next.Expiry),
		)
	}
	return nil
}

// ReflectChange mirrors the current state of path, a file or directory
// under the private root that was created, modified or removed.
func (e *Engine) ReflectChange(path string) error {
	rel, err := filepath.Rel(e.source, filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s is not inside %s", path, e.source)
	}

	name, _, _ := strings.Cut(rel, string(filepath.Separator))
	l := e.store.Ensure(name)
	target := filepath.Join(e.mirror, l.TokenString(), rel)

	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		if exists(target) {
			return nil
		}
		// a directory moved in brings its content without further events
		n, err := copyTree(path, target)
		e.metrics.MirrorCopies(n)
		if err != nil {
			return fmt.Errorf("mirroring directory %s: %w", path, err)
		}

	case err == nil:
		e.logger.Info("copying changed file",
			logger.String("path", path),
			logger.String("target", target),
		)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(target), err)
		}
		if err := copyFile(path, target, info); err != nil {
			return fmt.Errorf("copying %s: %w", path, err)
		}
		e.metrics.MirrorCopies(1)

	case errors.Is(err, fs.ErrNotExist):
		if exists(target) {
			e.logger.Info("removing mirror of deleted path", logger.String("target", target))
			return e.remove(target)
		}

	default:
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return nil
}

func (e *Engine) remove(path string) error {
	if err := os.RemoveAll(path); err != nil {
		e.logger.Error("failed to remove path", logger.String("path", path), logger.Err(err))
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

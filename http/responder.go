package http

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/stephnangue/capsule/helper"
	"github.com/stephnangue/capsule/logger"
)

const (
	DefaultNotFoundBody    = "Oops! I can't find what you're looking for..."
	DefaultServerErrorBody = "I'm broken, apparently."

	indexFile     = "index.html"
	fallbackMIME  = "application/octet-stream"
	htmlMediaType = "text/html; charset=utf-8"
)

// ResponderConfig configures a Responder
type ResponderConfig struct {
	Root            string
	NotFoundBody    []byte
	ServerErrorBody []byte
	Logger          logger.Logger
}

// Responder serves files below a root with conditional GET support.
type Responder struct {
	root        string
	notFound    []byte
	serverError []byte
	logger      logger.Logger
}

func NewResponder(cfg ResponderConfig) *Responder {
	if cfg.NotFoundBody == nil {
		cfg.NotFoundBody = []byte(DefaultNotFoundBody)
	}
	if cfg.ServerErrorBody == nil {
		cfg.ServerErrorBody = []byte(DefaultServerErrorBody)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NopLogger()
	}
	return &Responder{
		root:        cfg.Root,
		notFound:    cfg.NotFoundBody,
		serverError: cfg.ServerErrorBody,
		logger:      cfg.Logger,
	}
}

// Resolve maps an escaped request path to a path below root. Segments are
// percent-decoded before "." and ".." are folded, and ".." never climbs
// above root.
func Resolve(root, requestPath string) string {
	return filepath.Join(append([]string{root}, helper.CleanSegments(requestPath)...)...)
}

func (rs *Responder) Resolve(requestPath string) string {
	return Resolve(rs.root, requestPath)
}

func (rs *Responder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := rs.respond(w, r, r.URL.EscapedPath()); err != nil {
		rs.logger.Error("failed to serve file",
			logger.String("path", r.URL.Path),
			logger.Err(err),
		)
		rs.writeBody(w, http.StatusInternalServerError, rs.serverError)
	}
}

// respond writes the response for requestPath. A returned error means
// nothing has been written yet.
func (rs *Responder) respond(w http.ResponseWriter, r *http.Request, requestPath string) error {
	path := rs.Resolve(requestPath)

	info, err := os.Stat(path)
	switch {
	case isNotFound(err):
		rs.writeBody(w, http.StatusNotFound, rs.notFound)
		return nil
	case err != nil:
		return err
	case info.IsDir():
		if !strings.HasSuffix(requestPath, "/") {
			// a leading "//" would make the location protocol-relative
			w.Header().Set("Location", "/"+strings.TrimLeft(requestPath, "/")+"/")
			w.WriteHeader(http.StatusMovedPermanently)
			return nil
		}
		return rs.respond(w, r, requestPath+indexFile)
	case !info.Mode().IsRegular():
		rs.writeBody(w, http.StatusNotFound, rs.notFound)
		return nil
	}

	f, err := os.Open(path)
	if isNotFound(err) {
		rs.writeBody(w, http.StatusNotFound, rs.notFound)
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if info, err = f.Stat(); err != nil {
		return err
	}
	contentType, err := detectContentType(path, f)
	if err != nil {
		return err
	}

	modTime := info.ModTime()
	etag := fmt.Sprintf("%x-%x", modTime.Unix(), info.Size())

	h := w.Header()
	h.Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	h.Set("ETag", etag)
	h.Set("Content-Disposition", contentDisposition(contentType, filepath.Base(path)))

	if notModified(r, etag, modTime) {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	h.Set("Content-Type", contentType)
	h.Set("Content-Length", fmt.Sprint(info.Size()))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(w, f); err != nil {
		rs.logger.Warn("streaming interrupted",
			logger.String("path", r.URL.Path),
			logger.Err(err),
		)
	}
	return nil
}

func (rs *Responder) writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", htmlMediaType)
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

func isNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// notModified applies If-None-Match, or If-Modified-Since when no entity
// tags were sent.
func notModified(r *http.Request, etag string, modTime time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		for _, candidate := range strings.Split(inm, ",") {
			if strings.TrimSpace(candidate) == etag {
				return true
			}
		}
		return false
	}
	ims := r.Header.Get("If-Modified-Since")
	if ims == "" {
		return false
	}
	t, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	return t.Equal(modTime.UTC().Truncate(time.Second))
}

// detectContentType goes by extension first and sniffs the content when
// the extension is unknown. f is rewound afterwards.
func detectContentType(path string, f *os.File) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct, nil
	}
	mt, err := mimetype.DetectReader(f)
	if _, seekErr := f.Seek(0, io.SeekStart); seekErr != nil {
		return "", seekErr
	}
	if err != nil || mt == nil {
		return fallbackMIME, nil
	}
	return mt.String(), nil
}

func contentDisposition(contentType, name string) string {
	disposition := "attachment"
	switch top, _, _ := strings.Cut(contentType, "/"); top {
	case "image", "text", "video":
		disposition = "inline"
	}
	return fmt.Sprintf("%s; filename*=\"%s\"", disposition, encodeFilename(name))
}

// encodeFilename percent-encodes every byte that is not an ASCII letter or
// digit.
func encodeFilename(name string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

// LoadPage reads a custom error body from path. An empty path or an
// unreadable file yields fallback.
func LoadPage(path, fallback string, log logger.Logger) []byte {
	if path == "" {
		return []byte(fallback)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		log.Warn("failed to read custom page, using the built-in one",
			logger.String("path", path),
			logger.Err(err),
		)
		return []byte(fallback)
	}
	return body
}

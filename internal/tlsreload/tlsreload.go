// Package tlsreload serves a TLS key pair that is reloaded from disk whenever
// the files change, so renewed certificates are picked up without a restart.
package tlsreload

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Reloader holds the current certificate. Use GetCertificate as
// tls.Config.GetCertificate and run Run for the lifetime of the server.
type Reloader struct {
	certFile string
	keyFile  string
	debounce time.Duration
	log      *slog.Logger

	cert atomic.Pointer[tls.Certificate]
}

type Option func(*Reloader)

func WithLogger(log *slog.Logger) Option {
	return func(r *Reloader) { r.log = log }
}

// WithDebounce sets how long Run waits after the last file event before
// reloading. Renewal tools usually write both files in quick succession.
func WithDebounce(d time.Duration) Option {
	return func(r *Reloader) {
		if d > 0 {
			r.debounce = d
		}
	}
}

// New loads the key pair once. It fails if the initial load fails.
func New(certFile, keyFile string, opts ...Option) (*Reloader, error) {
	r := &Reloader{
		certFile: certFile,
		keyFile:  keyFile,
		debounce: defaultDebounce,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reads the key pair from disk. On failure the previous certificate
// stays in service.
func (r *Reloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("tlsreload: load key pair: %w", err)
	}
	r.cert.Store(&cert)
	return nil
}

func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.cert.Load(), nil
}

// TLSConfig returns a server config backed by the reloader.
func (r *Reloader) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: r.GetCertificate,
	}
}

// Run watches the directories holding the key pair and reloads on change
// until ctx ends. Directories are watched rather than files so that atomic
// renames and symlink swaps are seen.
func (r *Reloader) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tlsreload: watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	dirs := map[string]struct{}{
		filepath.Dir(r.certFile): {},
		filepath.Dir(r.keyFile):  {},
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("tlsreload: watch %s: %w", dir, err)
		}
	}
	r.log.InfoContext(ctx, "tls.watch.start", slog.String("cert_file", r.certFile), slog.String("key_file", r.keyFile))

	timer := time.NewTimer(r.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(r.debounce)
		case <-timer.C:
			if err := r.Reload(); err != nil {
				r.log.WarnContext(ctx, "tls.reload.fail", slog.String("err", err.Error()))
				continue
			}
			r.log.InfoContext(ctx, "tls.reload.ok")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.WarnContext(ctx, "tls.watch.error", slog.String("err", err.Error()))
		}
	}
}

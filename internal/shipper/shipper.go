// Package shipper moves security log entries into a search store and keeps
// zipped backups of every shipped log, optionally mirrored to an object
// store.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultInterval = 10 * time.Second

type Config struct {
	// LogPath is the security log to ship.
	LogPath      string
	BackupDir    string
	Interval     time.Duration
	Descriptions []Description
}

// Report summarizes one pass.
type Report struct {
	Entries  int
	Archive  string
	Uploaded int
}

type Option func(*Shipper)

func WithLogger(l *zap.Logger) Option {
	return func(s *Shipper) { s.log = l.Sugar() }
}

func WithIndexer(i Indexer) Option {
	return func(s *Shipper) { s.indexer = i }
}

func WithUploader(u Uploader) Option {
	return func(s *Shipper) { s.uploader = u }
}

func WithCatalog(c *Catalog) Option {
	return func(s *Shipper) { s.catalog = c }
}

type Shipper struct {
	cfg      Config
	log      *zap.SugaredLogger
	indexer  Indexer
	uploader Uploader
	catalog  *Catalog
	now      func() time.Time
}

func New(cfg Config, opts ...Option) *Shipper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	s := &Shipper{
		cfg: cfg,
		log: zap.NewNop().Sugar(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ships once per interval until ctx is done. Failed passes are logged
// and retried on the next tick.
func (s *Shipper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Infof("shipping %v every %v", s.cfg.LogPath, s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r, err := s.Ship(ctx)
			if err != nil {
				s.log.Errorf("ship %v failed: %v", s.cfg.LogPath, err)
				continue
			}
			if r.Entries > 0 || r.Uploaded > 0 {
				s.log.Infof("shipped %v entries to %v, uploaded %v archives", r.Entries, r.Archive, r.Uploaded)
			}
		}
	}
}

// Ship performs one pass: index the entries of the log, archive and
// truncate it, then upload pending archives. An empty or missing log only
// retries uploads.
func (s *Shipper) Ship(ctx context.Context) (Report, error) {
	var r Report
	data, err := os.ReadFile(s.cfg.LogPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return r, fmt.Errorf("read %v: %w", s.cfg.LogPath, err)
	}

	if len(data) > 0 {
		now := s.now()
		name := archiveName(now)
		path := filepath.Join(s.cfg.BackupDir, name)

		var entries []Entry
		for _, line := range strings.Split(string(data), "\n") {
			if e, ok := ParseEntry(line, s.cfg.Descriptions, path, now); ok {
				entries = append(entries, e)
			}
		}
		if s.indexer != nil {
			if err := s.indexer.Index(ctx, entries); err != nil {
				return r, err
			}
		}
		if err := backup(s.cfg.LogPath, path, data); err != nil {
			return r, err
		}
		r.Entries, r.Archive = len(entries), path
		s.log.Debugf("backup done, file saved in %v", path)

		if s.catalog != nil {
			a := Archive{Name: name, Path: path, Entries: len(entries), Created: now}
			if err := s.catalog.Add(a); err != nil {
				return r, fmt.Errorf("catalog %v: %w", name, err)
			}
		} else if s.uploader != nil {
			if err := s.uploader.Upload(ctx, name, path); err != nil {
				return r, err
			}
			r.Uploaded++
		}
	}

	n, err := s.uploadPending(ctx)
	r.Uploaded += n
	return r, err
}

func (s *Shipper) uploadPending(ctx context.Context) (int, error) {
	if s.uploader == nil || s.catalog == nil {
		return 0, nil
	}
	pending, err := s.catalog.Pending()
	if err != nil {
		return 0, err
	}
	var uploaded int
	for _, a := range pending {
		if err := s.uploader.Upload(ctx, a.Name, a.Path); err != nil {
			s.log.Warnf("upload %v failed, will retry: %v", a.Name, err)
			continue
		}
		if err := s.catalog.MarkUploaded(a.Name); err != nil {
			return uploaded, err
		}
		uploaded++
	}
	return uploaded, nil
}

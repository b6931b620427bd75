package shipper

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const archiveLayout = "2006-01-02T15-04-05.000000"

func archiveName(now time.Time) string {
	return now.UTC().Format(archiveLayout) + ".zip"
}

// backup stores data as a single member named after the log file in a new
// zip archive, then truncates the log.
func backup(logPath, archivePath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	f, err := os.OpenFile(archivePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create(filepath.Base(logPath))
	if err == nil {
		_, err = w.Write(data)
	}
	if err == nil {
		err = zw.Close()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(archivePath)
		return fmt.Errorf("write archive %v: %w", archivePath, err)
	}
	if err := os.Truncate(logPath, 0); err != nil {
		return fmt.Errorf("truncate %v: %w", logPath, err)
	}
	return nil
}

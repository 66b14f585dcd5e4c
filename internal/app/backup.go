package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// backupKeep is how many timestamped backup sets survive pruning.
const backupKeep = 5

// runBackups periodically copies the state directory (checkpoints, file
// memory) into backups/<timestamp> and prunes old sets.
func (a *App) runBackups(ctx context.Context) {
	interval := time.Duration(a.cfg.Persistence.BackupIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := backupStateDir(a.cfg.Persistence.StateDir); err != nil {
				a.logger.Warn("state backup failed", "error", err)
			} else {
				a.logger.Debug("state backup complete")
			}
		}
	}
}

// backupStateDir snapshots every regular file under stateDir (excluding the
// backups directory itself) into stateDir/backups/<timestamp>, then keeps
// only the newest backupKeep sets.
func backupStateDir(stateDir string) error {
	backupRoot := filepath.Join(stateDir, "backups")
	dest := filepath.Join(backupRoot, time.Now().UTC().Format("20060102T150405"))

	if err := copyTree(stateDir, dest, backupRoot); err != nil {
		return fmt.Errorf("copy state: %w", err)
	}
	return pruneBackups(backupRoot, backupKeep)
}

func copyTree(src, dest, skip string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == skip || strings.HasPrefix(path, skip+string(os.PathSeparator)) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		return copyFile(path, filepath.Join(dest, rel))
	})
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// pruneBackups removes all but the newest keep backup sets. Timestamped
// directory names sort chronologically, so lexical order suffices.
func pruneBackups(root string, keep int) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var sets []string
	for _, e := range entries {
		if e.IsDir() {
			sets = append(sets, e.Name())
		}
	}
	if len(sets) <= keep {
		return nil
	}
	sort.Strings(sets)
	for _, name := range sets[:len(sets)-keep] {
		if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
			return err
		}
	}
	return nil
}

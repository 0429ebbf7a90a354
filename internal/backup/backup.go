// Package backup archives the ManagerAgent state directory into tar.gz
// snapshots with a digest manifest, and restores them with verification.
//
// The live SQLite database is captured through VACUUM INTO so the archive
// never contains a torn WAL state.
package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"manageragent/internal/logging"
	"manageragent/internal/store"
	"manageragent/internal/types"
)

// ManifestName is the first entry of every archive.
const ManifestName = "MANIFEST.json"

// archivePrefix names backup files: magent-backup-<timestamp>.tar.gz.
const archivePrefix = "magent-backup-"

// Manager creates, lists, restores, and prunes backups.
type Manager struct {
	stateDir  string
	backupDir string
	retention int
	store     *store.Store // optional; nil skips the DB snapshot
}

// New creates a backup manager. backupDir may be relative to stateDir.
func New(stateDir, backupDir string, retention int, st *store.Store) *Manager {
	if backupDir == "" {
		backupDir = "backups"
	}
	if !filepath.IsAbs(backupDir) {
		backupDir = filepath.Join(stateDir, backupDir)
	}
	if retention <= 0 {
		retention = 10
	}
	return &Manager{stateDir: stateDir, backupDir: backupDir, retention: retention, store: st}
}

// Create archives the state directory and returns the manifest and archive
// path.
func (m *Manager) Create(ctx context.Context) (*types.BackupManifest, string, error) {
	timer := logging.StartTimer(logging.CategoryBackup, "Create")
	defer timer.Stop()

	if err := os.MkdirAll(m.backupDir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	archivePath := filepath.Join(m.backupDir, archivePrefix+stamp+".tar.gz")

	// Snapshot the live DB into a staging dir so the archive gets a
	// consistent copy instead of the open WAL-mode file.
	staging, err := os.MkdirTemp("", "magent-backup-*")
	if err != nil {
		return nil, "", err
	}
	defer os.RemoveAll(staging)

	snapshotPath := ""
	if m.store != nil {
		snapshotPath = filepath.Join(staging, store.DBFileName)
		if err := m.store.Snapshot(snapshotPath); err != nil {
			return nil, "", fmt.Errorf("failed to snapshot database: %w", err)
		}
	}

	files, err := m.collectFiles(snapshotPath)
	if err != nil {
		return nil, "", err
	}

	manifest := &types.BackupManifest{
		ID:        archivePrefix + stamp,
		CreatedAt: time.Now().UTC(),
	}
	for _, f := range files {
		entry, err := digestFile(f.source, f.rel)
		if err != nil {
			return nil, "", err
		}
		manifest.Files = append(manifest.Files, entry)
		manifest.TotalSize += entry.Size
	}

	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	if err := m.writeArchive(archivePath, manifest, files); err != nil {
		os.Remove(archivePath)
		return nil, "", err
	}

	logging.Backup("Created %s: %d files, %d bytes", filepath.Base(archivePath), len(manifest.Files), manifest.TotalSize)
	return manifest, archivePath, nil
}

// archiveFile pairs a source path with its archive-relative path.
type archiveFile struct {
	source string
	rel    string
}

// collectFiles walks the state directory, skipping the backup tree, SQLite
// sidecar files, and the live DB (replaced by the snapshot).
func (m *Manager) collectFiles(snapshotPath string) ([]archiveFile, error) {
	var files []archiveFile

	err := filepath.WalkDir(m.stateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == m.backupDir {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, ".db-wal") || strings.HasSuffix(name, ".db-shm") {
			return nil
		}
		if name == store.DBFileName && snapshotPath != "" {
			return nil // archived from the snapshot instead
		}
		rel, err := filepath.Rel(m.stateDir, path)
		if err != nil {
			return err
		}
		files = append(files, archiveFile{source: path, rel: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk state directory: %w", err)
	}

	if snapshotPath != "" {
		files = append(files, archiveFile{source: snapshotPath, rel: store.DBFileName})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return files, nil
}

func digestFile(path, rel string) (types.ManifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.ManifestEntry{}, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return types.ManifestEntry{}, err
	}
	return types.ManifestEntry{
		Path:   rel,
		Size:   n,
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func (m *Manager) writeArchive(archivePath string, manifest *types.BackupManifest, files []archiveFile) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    ManifestName,
		Mode:    0644,
		Size:    int64(len(manifestJSON)),
		ModTime: manifest.CreatedAt,
	}); err != nil {
		return err
	}
	if _, err := tw.Write(manifestJSON); err != nil {
		return err
	}

	for _, f := range files {
		if err := addFile(tw, f); err != nil {
			return fmt.Errorf("failed to archive %s: %w", f.rel, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Close()
}

func addFile(tw *tar.Writer, f archiveFile) error {
	in, err := os.Open(f.source)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    f.rel,
		Mode:    0644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}); err != nil {
		return err
	}
	_, err = io.Copy(tw, in)
	return err
}

// List returns the manifests of all archives in the backup directory,
// newest first, without extracting file contents.
func (m *Manager) List() ([]types.BackupManifest, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var manifests []types.BackupManifest
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tar.gz") {
			continue
		}
		manifest, err := ReadManifest(filepath.Join(m.backupDir, e.Name()))
		if err != nil {
			logging.Get(logging.CategoryBackup).Warn("Skipping unreadable archive %s: %v", e.Name(), err)
			continue
		}
		manifests = append(manifests, *manifest)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.After(manifests[j].CreatedAt)
	})
	return manifests, nil
}

// ReadManifest reads just the manifest entry of an archive.
func ReadManifest(archivePath string) (*types.BackupManifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("empty archive: %w", err)
	}
	if hdr.Name != ManifestName {
		return nil, fmt.Errorf("archive does not start with %s (got %s)", ManifestName, hdr.Name)
	}

	manifest := &types.BackupManifest{}
	if err := json.NewDecoder(tr).Decode(manifest); err != nil {
		return nil, fmt.Errorf("corrupt manifest: %w", err)
	}
	return manifest, nil
}

// Restore extracts an archive into destDir after verifying every file
// digest against the manifest. Nothing is written on a digest mismatch.
func (m *Manager) Restore(archivePath, destDir string) (*types.BackupManifest, error) {
	timer := logging.StartTimer(logging.CategoryBackup, "Restore")
	defer timer.Stop()

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	if err != nil || hdr.Name != ManifestName {
		return nil, fmt.Errorf("archive does not start with %s", ManifestName)
	}
	manifest := &types.BackupManifest{}
	if err := json.NewDecoder(tr).Decode(manifest); err != nil {
		return nil, fmt.Errorf("corrupt manifest: %w", err)
	}

	expected := make(map[string]types.ManifestEntry, len(manifest.Files))
	for _, e := range manifest.Files {
		expected[e.Path] = e
	}

	// Stage and verify everything in memory-backed temp files first; only a
	// fully verified archive touches destDir.
	type staged struct {
		rel  string
		data []byte
	}
	var verified []staged

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("corrupt archive: %w", err)
		}
		rel := filepath.ToSlash(hdr.Name)
		if strings.Contains(rel, "..") || filepath.IsAbs(rel) {
			return nil, fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}
		want, ok := expected[rel]
		if !ok {
			return nil, fmt.Errorf("archive entry %q not in manifest", rel)
		}

		var buf bytes.Buffer
		h := sha256.New()
		if _, err := io.Copy(io.MultiWriter(&buf, h), tr); err != nil {
			return nil, err
		}
		got := hex.EncodeToString(h.Sum(nil))
		if got != want.SHA256 {
			return nil, fmt.Errorf("digest mismatch for %s: manifest %s, archive %s", rel, want.SHA256, got)
		}
		verified = append(verified, staged{rel: rel, data: buf.Bytes()})
		delete(expected, rel)
	}

	if len(expected) > 0 {
		var missing []string
		for p := range expected {
			missing = append(missing, p)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("archive missing %d manifest entries: %v", len(missing), missing)
	}

	for _, s := range verified {
		dest := filepath.Join(destDir, filepath.FromSlash(s.rel))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(dest, s.data, 0644); err != nil {
			return nil, err
		}
	}

	logging.Backup("Restored %s into %s: %d files", filepath.Base(archivePath), destDir, len(verified))
	return manifest, nil
}

// Prune removes all but the newest retention archives and returns the
// removed file names.
func (m *Manager) Prune() ([]string, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var archives []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), archivePrefix) && strings.HasSuffix(e.Name(), ".tar.gz") {
			archives = append(archives, e.Name())
		}
	}
	// The timestamp in the name sorts lexically; newest last.
	sort.Strings(archives)

	if len(archives) <= m.retention {
		return nil, nil
	}

	var removed []string
	for _, name := range archives[:len(archives)-m.retention] {
		if err := os.Remove(filepath.Join(m.backupDir, name)); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}

	logging.Backup("Pruned %d archives (retention %d)", len(removed), m.retention)
	return removed, nil
}

package priority

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// saveSidecar snapshots the metadata files of every cell on the given shard
// into one file under metadata_tmp. A nil entry records that the metadata
// file did not exist yet. The snapshot is durable before the caller starts
// writing, so a crash mid-produce can restore the shard's previous state.
func (b *Buffer) saveSidecar(shard int) (string, error) {
	snapshot := map[string]*string{}
	for p := 0; p < Levels; p++ {
		path := b.cells[p][shard].MetadataPath()
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			snapshot[path] = nil
			continue
		}
		if err != nil {
			return "", err
		}
		content := string(raw)
		snapshot[path] = &content
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	path := filepath.Join(b.metadataTmp, uuid.NewString())
	if err := writeFileSync(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// recoverSidecar writes a snapshot's contents back over the metadata files
// it covers, then removes the snapshot.
func (b *Buffer) recoverSidecar(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snapshot map[string]*string
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return fmt.Errorf("parse metadata snapshot: %w", err)
	}
	for metaPath, content := range snapshot {
		if content == nil {
			if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		if err := writeFileSync(metaPath, []byte(*content)); err != nil {
			return err
		}
	}
	return os.Remove(path)
}

// stagedPath maps a source attachment path to its scratch directory name.
func stagedPath(scratch, attPath string) string {
	return filepath.Join(scratch, strings.ReplaceAll(attPath, string(os.PathSeparator), "_"))
}

// stageAttachments copies every source file into the scratch directory.
// Sources must all exist; a missing one fails the whole batch.
func stageAttachments(sources []string, scratch string, fsync bool) error {
	for _, src := range sources {
		fi, err := os.Stat(src)
		if err != nil {
			return fmt.Errorf("attachment %s: %w", src, err)
		}
		if fi.IsDir() {
			return fmt.Errorf("attachment %s is a directory", src)
		}
		if err := copyFile(src, stagedPath(scratch, src), fsync); err != nil {
			return err
		}
	}
	if fsync {
		d, err := os.Open(scratch)
		if err != nil {
			return err
		}
		defer d.Close()
		return d.Sync()
	}
	return nil
}

func copyFile(src, dst string, fsync bool) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if fsync {
		if err := out.Sync(); err != nil {
			out.Close()
			return err
		}
	}
	return out.Close()
}

// writeFileSync writes data via a temp file rename with fsync on both the
// file and its directory.
func writeFileSync(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

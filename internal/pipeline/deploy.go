package pipeline

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// deploy publishes staged files into the public dir in order. Each file
// appears under its final name only once fully written, and the metadata
// file, staged last, is published last, so a dataset becomes visible only
// when all of its files are in place.
func (p *Processor) deploy(staged []stagedFile) ([]string, error) {
	dir := p.opts.PublicDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "pipeline: create public dir %s", dir)
	}

	published := make([]string, 0, len(staged))
	for _, s := range staged {
		if err := publishFile(s.Path, dir, s.Name); err != nil {
			return nil, err
		}
		published = append(published, filepath.Join(dir, s.Name))
	}
	return published, nil
}

func publishFile(src, dir, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "pipeline: open staged %s", name)
	}
	defer in.Close() //nolint:errcheck

	return writeStaged(dir, name, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// writeStaged writes name in dir through a temp file that is synced and
// renamed into place.
func writeStaged(dir, name string, write func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return eris.Wrapf(err, "pipeline: create temp for %s", name)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "pipeline: write %s", name)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "pipeline: sync %s", name)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "pipeline: close %s", name)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return eris.Wrapf(err, "pipeline: rename %s", name)
	}
	return nil
}

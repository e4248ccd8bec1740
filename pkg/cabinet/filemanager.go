package cabinet

import (
	"context"
	"os"
	"strings"

	"github.com/gabstv/go-bsdiff/pkg/bspatch"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/cabkit/pkg/contexts/ctxlog"
	"github.com/pkg/errors"
)

// FileManager resolves the bytes that actually go into a cabinet for a
// file record. It is called from several workers at once, each time
// with a different record.
type FileManager interface {
	// ResolvePatch fills in the record's resolved source. The returned
	// bool reports a retain range mismatch, which is only a warning.
	ResolvePatch(ctx context.Context, f *FileRecord) (bool, error)
}

// PatchResolver is a FileManager that rebuilds patched files from a
// previous version and a bsdiff delta. Each rebuilt file gets its own
// uniquely named file in dir, prefixed with the file id.
type PatchResolver struct {
	dir string
}

func NewPatchResolver(dir string) *PatchResolver {
	return &PatchResolver{dir: dir}
}

func (r *PatchResolver) ResolvePatch(ctx context.Context, f *FileRecord) (bool, error) {
	logger := ctxlog.FromContext(ctx)

	mismatch, err := retainRangeMismatch(f)
	if err != nil {
		return false, err
	}

	if f.PatchDelta == "" {
		f.SetResolvedSource(f.Source)
		return mismatch, nil
	}
	if f.PatchBase == "" {
		return false, errors.Errorf("file %s has a delta but no previous version", f.ID)
	}
	if f.ID == "" || f.ID == "." || f.ID == ".." || strings.ContainsAny(f.ID, `/\`) {
		return false, errors.Errorf("file id %q can't name a patched file", f.ID)
	}

	base, err := os.ReadFile(f.PatchBase)
	if err != nil {
		return false, errors.Wrapf(err, "reading previous version of %s", f.ID)
	}
	delta, err := os.ReadFile(f.PatchDelta)
	if err != nil {
		return false, errors.Wrapf(err, "reading delta for %s", f.ID)
	}

	target, err := bspatch.Bytes(base, delta)
	if err != nil {
		return false, errors.Wrapf(err, "applying delta for %s", f.ID)
	}

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return false, errors.Wrapf(err, "creating patch dir %s", r.dir)
	}
	out, err := writePatched(r.dir, f.ID, target)
	if err != nil {
		return false, err
	}

	level.Debug(logger).Log(
		"msg", "resolved patched file",
		"file", f.ID,
		"path", out,
		"size", len(target),
	)

	f.SetResolvedSource(out)
	return mismatch, nil
}

func writePatched(dir, id string, data []byte) (string, error) {
	fh, err := os.CreateTemp(dir, id+"-*")
	if err != nil {
		return "", errors.Wrapf(err, "creating patched %s", id)
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		os.Remove(fh.Name())
		return "", errors.Wrapf(err, "writing patched %s", id)
	}
	if err := fh.Close(); err != nil {
		os.Remove(fh.Name())
		return "", errors.Wrapf(err, "closing patched %s", id)
	}
	return fh.Name(), nil
}

// retainRangeMismatch checks that the retain offsets and lengths pair
// up and fall inside the previous version of the file.
func retainRangeMismatch(f *FileRecord) (bool, error) {
	if len(f.RetainOffsets) == 0 && len(f.RetainLengths) == 0 {
		return false, nil
	}
	if len(f.RetainOffsets) != len(f.RetainLengths) {
		return true, nil
	}
	if f.PatchBase == "" {
		return false, nil
	}

	stat, err := os.Stat(f.PatchBase)
	if err != nil {
		return false, errors.Wrapf(err, "stat previous version of %s", f.ID)
	}

	for i, off := range f.RetainOffsets {
		length := f.RetainLengths[i]
		if off < 0 || length < 0 || off+length > stat.Size() {
			return true, nil
		}
	}
	return false, nil
}

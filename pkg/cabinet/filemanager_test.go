package cabinet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

func TestPatchResolverNoDelta(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := writeFile(t, dir, "app.exe", []byte("current"))

	f := &FileRecord{ID: "filApp", Source: src}
	mismatch, err := NewPatchResolver(filepath.Join(dir, "patched")).ResolvePatch(context.TODO(), f)
	require.NoError(t, err)
	require.False(t, mismatch)
	require.Equal(t, src, f.ResolvedSource())

	_, err = os.Stat(filepath.Join(dir, "patched"))
	require.True(t, os.IsNotExist(err), "nothing is written for unpatched files")
}

func TestPatchResolverApplyDelta(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	oldData := []byte("version one of the payload, with some shared bytes at the end")
	newData := []byte("version two of the payload, with some shared bytes at the end and more")

	delta, err := bsdiff.Bytes(oldData, newData)
	require.NoError(t, err)

	f := &FileRecord{
		ID:         "filPayload",
		Source:     filepath.Join(dir, "unused"),
		PatchBase:  writeFile(t, dir, "payload.old", oldData),
		PatchDelta: writeFile(t, dir, "payload.delta", delta),
	}

	patchDir := filepath.Join(dir, "patched")
	mismatch, err := NewPatchResolver(patchDir).ResolvePatch(context.TODO(), f)
	require.NoError(t, err)
	require.False(t, mismatch)
	require.Equal(t, patchDir, filepath.Dir(f.ResolvedSource()))
	require.True(t, strings.HasPrefix(filepath.Base(f.ResolvedSource()), "filPayload-"))

	got, err := os.ReadFile(f.ResolvedSource())
	require.NoError(t, err)
	require.Equal(t, newData, got)
}

func TestPatchResolverErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := NewPatchResolver(filepath.Join(dir, "patched"))

	_, err := r.ResolvePatch(context.TODO(), &FileRecord{
		ID:         "noBase",
		PatchDelta: writeFile(t, dir, "x.delta", []byte("delta")),
	})
	require.Error(t, err)

	_, err = r.ResolvePatch(context.TODO(), &FileRecord{
		ID:         "missingDelta",
		PatchBase:  writeFile(t, dir, "x.old", []byte("old")),
		PatchDelta: filepath.Join(dir, "does-not-exist"),
	})
	require.Error(t, err)

	_, err = r.ResolvePatch(context.TODO(), &FileRecord{
		ID:         "garbageDelta",
		PatchBase:  writeFile(t, dir, "y.old", []byte("old")),
		PatchDelta: writeFile(t, dir, "y.delta", []byte("this is not a bsdiff patch, only some plain text bytes")),
	})
	require.Error(t, err)
}

func TestPatchResolverRejectsPathIDs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	patchDir := filepath.Join(dir, "nested", "patched")
	r := NewPatchResolver(patchDir)

	oldData := []byte("old payload")
	delta, err := bsdiff.Bytes(oldData, []byte("new payload"))
	require.NoError(t, err)
	base := writeFile(t, dir, "p.old", oldData)
	deltaPath := writeFile(t, dir, "p.delta", delta)

	for _, id := range []string{"../../escape", "sub/file", `sub\file`, "..", "."} {
		_, err := r.ResolvePatch(context.TODO(), &FileRecord{ID: id, PatchBase: base, PatchDelta: deltaPath})
		require.Error(t, err, id)
	}

	_, err = os.Stat(filepath.Join(dir, "escape"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(patchDir)
	require.True(t, os.IsNotExist(err), "nothing is written for rejected ids")
}

// Records that share an id, as happens across work items built by
// different workers, each get their own rebuilt file.
func TestPatchResolverSharedID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := NewPatchResolver(filepath.Join(dir, "patched"))

	oldData := []byte("the shared previous version of the payload")
	wants := [][]byte{
		[]byte("the first rebuilt version of the payload"),
		[]byte("the second rebuilt version of the payload, a little longer"),
	}

	records := make([]*FileRecord, len(wants))
	for i, want := range wants {
		delta, err := bsdiff.Bytes(oldData, want)
		require.NoError(t, err)
		records[i] = &FileRecord{
			ID:         "filShared",
			PatchBase:  writeFile(t, dir, "shared.old", oldData),
			PatchDelta: writeFile(t, dir, fmt.Sprintf("shared%d.delta", i), delta),
		}
	}

	var g errgroup.Group
	for _, f := range records {
		f := f
		g.Go(func() error {
			_, err := r.ResolvePatch(context.TODO(), f)
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.NotEqual(t, records[0].ResolvedSource(), records[1].ResolvedSource())
	for i, f := range records {
		got, err := os.ReadFile(f.ResolvedSource())
		require.NoError(t, err)
		require.Equal(t, wants[i], got)
	}
}

func TestRetainRangeMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := writeFile(t, dir, "base.bin", make([]byte, 100))

	var tests = []struct {
		name     string
		offsets  []int64
		lengths  []int64
		base     string
		mismatch bool
	}{
		{name: "no ranges", base: base},
		{name: "inside", offsets: []int64{0, 50}, lengths: []int64{10, 50}, base: base},
		{name: "count differs", offsets: []int64{0, 10}, lengths: []int64{5}, base: base, mismatch: true},
		{name: "count differs without base", offsets: []int64{0}, mismatch: true},
		{name: "past the end", offsets: []int64{90}, lengths: []int64{11}, base: base, mismatch: true},
		{name: "negative offset", offsets: []int64{-1}, lengths: []int64{1}, base: base, mismatch: true},
		{name: "no previous version", offsets: []int64{1000}, lengths: []int64{1000}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mismatch, err := retainRangeMismatch(&FileRecord{
				ID:            "f",
				PatchBase:     tt.base,
				RetainOffsets: tt.offsets,
				RetainLengths: tt.lengths,
			})
			require.NoError(t, err)
			require.Equal(t, tt.mismatch, mismatch)
		})
	}
}

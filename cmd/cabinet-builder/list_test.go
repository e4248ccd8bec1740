package main

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/kolide/cabkit/pkg/cab"
	"github.com/stretchr/testify/require"
)

func TestListSet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello, cabinet"), 0644))

	w, err := cab.Create(cab.Options{Name: "hello.cab", Dir: dir, Level: cab.Mszip})
	require.NoError(t, err)
	require.NoError(t, w.AddFile("hello.txt", src))
	require.NoError(t, w.Complete(nil))
	require.NoError(t, w.Close())

	var out bytes.Buffer
	require.NoError(t, listSet(&out, filepath.Join(dir, "hello.cab"), true))

	require.Contains(t, out.String(), "hello.cab")
	require.Contains(t, out.String(), "hello.txt")
	require.Contains(t, out.String(), "verified 1 files, 14 B")
}

func TestListSetMissing(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.Error(t, listSet(&out, filepath.Join(t.TempDir(), "nope.cab"), false))
}

func TestListSetRejectsForeignPart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	big := make([]byte, 200*1024)
	rand.New(rand.NewSource(1)).Read(big)
	bigSrc := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(bigSrc, big, 0644))

	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(outDir, 0755))
	w, err := cab.Create(cab.Options{Name: "media.cab", Dir: outDir, Level: cab.None, MaxCabinetSize: cab.MinCabinetSize})
	require.NoError(t, err)
	require.NoError(t, w.AddFile("big.bin", bigSrc))
	require.NoError(t, w.Complete(nil))
	require.NoError(t, w.Close())

	var out bytes.Buffer
	require.NoError(t, listSet(&out, filepath.Join(outDir, "media.cab"), true))

	// An unrelated cabinet that happens to be called media2.cab.
	otherDir := filepath.Join(dir, "other")
	require.NoError(t, os.MkdirAll(otherDir, 0755))
	small := filepath.Join(dir, "small.txt")
	require.NoError(t, os.WriteFile(small, []byte("small"), 0644))
	w, err = cab.Create(cab.Options{Name: "media2.cab", Dir: otherDir, Level: cab.None})
	require.NoError(t, err)
	require.NoError(t, w.AddFile("small", small))
	require.NoError(t, w.Complete(nil))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(otherDir, "media2.cab"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "media2.cab"), data, 0644))

	out.Reset()
	require.Error(t, listSet(&out, filepath.Join(outDir, "media.cab"), false))
}

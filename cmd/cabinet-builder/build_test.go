package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/kolide/cabkit/pkg/cab"
	"github.com/kolide/cabkit/pkg/layout"
	"github.com/stretchr/testify/require"
)

func TestParseBuildOptions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	config := filepath.Join(dir, "build.conf")
	require.NoError(t, os.WriteFile(config, []byte("threads 3\nlarge_file_split_size 650MiB\nmanifest from-config.yaml\n"), 0644))

	var tests = []struct {
		name    string
		args    []string
		want    buildOptions
		wantErr bool
	}{
		{
			name: "flags",
			args: []string{"-layout", "layout.yaml", "-threads", "2", "-uncompressed_media_threshold", "1MiB", "-debug"},
			want: buildOptions{
				debug:                      true,
				layout:                     "layout.yaml",
				threads:                    2,
				uncompressedMediaThreshold: 1024 * 1024,
			},
		},
		{
			name: "config file",
			args: []string{"-layout", "layout.yaml", "-config", config},
			want: buildOptions{
				layout:                     "layout.yaml",
				manifest:                   "from-config.yaml",
				threads:                    3,
				largeFileSplitSize:         650 * 1024 * 1024,
				uncompressedMediaThreshold: 200 * 1024 * 1024,
			},
		},
		{
			name: "flag beats config file",
			args: []string{"-layout", "layout.yaml", "-config", config, "-threads", "5"},
			want: buildOptions{
				layout:                     "layout.yaml",
				manifest:                   "from-config.yaml",
				threads:                    5,
				largeFileSplitSize:         650 * 1024 * 1024,
				uncompressedMediaThreshold: 200 * 1024 * 1024,
			},
		},
		{name: "no layout", args: []string{"-threads", "2"}, wantErr: true},
		{name: "bad split size", args: []string{"-layout", "l.yaml", "-large_file_split_size", "big"}, wantErr: true},
		{name: "bad threshold", args: []string{"-layout", "l.yaml", "-uncompressed_media_threshold", "big"}, wantErr: true},
		{name: "unknown flag", args: []string{"-layout", "l.yaml", "-colour"}, wantErr: true},
		{name: "missing config", args: []string{"-layout", "l.yaml", "-config", filepath.Join(dir, "nope.conf")}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseBuildOptions(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want.layout, got.layout)
			require.Equal(t, tt.want.debug, got.debug)
			require.Equal(t, tt.want.manifest, got.manifest)
			if tt.want.threads != 0 {
				require.Equal(t, tt.want.threads, got.threads)
			}
			require.Equal(t, tt.want.largeFileSplitSize, got.largeFileSplitSize)
			require.Equal(t, tt.want.uncompressedMediaThreshold, got.uncompressedMediaThreshold)
		})
	}
}

func TestParseBuildOptionsEnv(t *testing.T) {
	t.Setenv("CABINET_BUILDER_LAYOUT", "env-layout.yaml")
	t.Setenv("CABINET_BUILDER_THREADS", "7")
	t.Setenv("CABINET_BUILDER_PATCH_DIR", "/tmp/patches")

	got, err := parseBuildOptions(nil)
	require.NoError(t, err)
	require.Equal(t, "env-layout.yaml", got.layout)
	require.Equal(t, 7, got.threads)
	require.Equal(t, "/tmp/patches", got.patchDir)
}

func TestBuild(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		name string
		// cabinets is the cabinets section of the layout.
		cabinets string
		// stale files are left in the output dir by an earlier build.
		stale        []string
		wantErr      string
		wantParts    map[string]int
		wantMissing  []string
		wantExtracts map[string]string
	}{
		{
			name: "all good",
			cabinets: `
  - name: good.cab
    files:
      - id: hello.txt
        source: src/hello.txt
`,
			stale:        []string{"good.cab", "good2.cab"},
			wantParts:    map[string]int{"good.cab": 1},
			wantExtracts: map[string]string{"good.cab": "hello, cabinet"},
		},
		{
			name: "one cabinet fails",
			cabinets: `
  - name: good.cab
    files:
      - id: hello.txt
        source: src/hello.txt
  - name: broken.cab
    files:
      - id: gone.txt
        source: src/gone.txt
`,
			wantErr:      "last error message 297",
			wantParts:    map[string]int{"good.cab": 1},
			wantMissing:  []string{"broken.cab"},
			wantExtracts: map[string]string{"good.cab": "hello, cabinet"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
			require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "hello.txt"), []byte("hello, cabinet"), 0644))

			outDir := filepath.Join(dir, "out")
			require.NoError(t, os.MkdirAll(outDir, 0755))
			for _, name := range tt.stale {
				require.NoError(t, os.WriteFile(filepath.Join(outDir, name), []byte("stale"), 0644))
			}

			layoutPath := filepath.Join(dir, "layout.yaml")
			require.NoError(t, os.WriteFile(layoutPath, []byte("output_dir: out\ncabinets:"+tt.cabinets), 0644))
			manifestPath := filepath.Join(dir, "manifest.yaml")

			var logs bytes.Buffer
			logger := log.NewLogfmtLogger(log.NewSyncWriter(&logs))

			err := build(context.TODO(), logger, buildOptions{
				layout:                     layoutPath,
				manifest:                   manifestPath,
				threads:                    1,
				uncompressedMediaThreshold: 200 * 1024 * 1024,
				patchDir:                   filepath.Join(dir, "patched"),
			})
			if tt.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Contains(t, logs.String(), "cabinet build finished")
			require.Contains(t, logs.String(), "build_id=")

			m, err := layout.ReadManifest(manifestPath)
			require.NoError(t, err)
			require.NotEmpty(t, m.BuildID)
			require.Equal(t, outDir, m.OutputDir)

			parts := make(map[string]int)
			var missing []string
			for _, c := range m.Cabinets {
				if c.Missing {
					missing = append(missing, c.Name)
					continue
				}
				parts[c.Name] = len(c.Parts)
			}
			require.Equal(t, tt.wantParts, parts)
			require.ElementsMatch(t, tt.wantMissing, missing)

			for name, want := range tt.wantExtracts {
				var out bytes.Buffer
				require.NoError(t, listSet(&out, filepath.Join(outDir, name), true))
				require.Contains(t, out.String(), "verified 1 files")

				c, err := cab.Open(filepath.Join(outDir, name))
				require.NoError(t, err)
				require.Len(t, c.Files, 1)
				require.Equal(t, uint32(len(want)), c.Files[0].Size)
			}

			_, err = os.Stat(filepath.Join(outDir, "good2.cab"))
			require.True(t, os.IsNotExist(err), "stale split parts are removed")
		})
	}
}

package export

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klassbridge/rostersync/internal/config"
)

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestBuildPackageRoundTrip(t *testing.T) {
	stage := t.TempDir()
	writeFile(t, filepath.Join(stage, "manifest.json"), []byte(`{"version":"1"}`))
	writeFile(t, filepath.Join(stage, "users", "users.json"), []byte(`[]`))

	zipPath := filepath.Join(t.TempDir(), "out.zip")
	if err := BuildPackage(stage, zipPath, 6); err != nil {
		t.Fatalf("BuildPackage: %v", err)
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["manifest.json"] || !names["users/users.json"] {
		t.Fatalf("zip entries: %v", names)
	}

	rc, err := zr.Open("manifest.json")
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if buf.String() != `{"version":"1"}` {
		t.Fatalf("entry content = %q", buf.String())
	}
}

func TestBuildPackageRejectsBadLevel(t *testing.T) {
	if err := BuildPackage(t.TempDir(), filepath.Join(t.TempDir(), "x.zip"), 10); err == nil {
		t.Fatal("level 10 accepted")
	}
}

func TestWriteChecksumsCoversArtifacts(t *testing.T) {
	stage := t.TempDir()
	payload := []byte(`{"a":1}`)
	writeFile(t, filepath.Join(stage, "manifest.json"), payload)
	writeFile(t, filepath.Join(stage, "database", "dump.sql"), []byte("INSERT ..."))
	writeFile(t, filepath.Join(stage, "moodledata", "note.txt"), []byte("not listed"))

	if err := WriteChecksums(stage); err != nil {
		t.Fatalf("WriteChecksums: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(stage, "checksums.sha256"))
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	text := string(b)
	if !strings.Contains(text, "manifest.json") || !strings.Contains(text, "database/dump.sql") {
		t.Fatalf("sidecar missing entries:\n%s", text)
	}
	if strings.Contains(text, "note.txt") {
		t.Fatalf("sidecar lists non-artifact:\n%s", text)
	}

	sum := sha256.Sum256(payload)
	if !strings.Contains(text, hex.EncodeToString(sum[:])+"  manifest.json") {
		t.Fatalf("manifest checksum wrong:\n%s", text)
	}
}

func TestSplitLargeFiles(t *testing.T) {
	stage := t.TempDir()
	big := bytes.Repeat([]byte("x"), 2500)
	writeFile(t, filepath.Join(stage, "database", "dump.sql"), big)
	writeFile(t, filepath.Join(stage, "small.json"), []byte(`{}`))

	split, err := SplitLargeFiles(stage, 1000)
	if err != nil {
		t.Fatalf("SplitLargeFiles: %v", err)
	}
	if len(split) != 1 || split[0] != "database/dump.sql" {
		t.Fatalf("split = %v", split)
	}
	if _, err := os.Stat(filepath.Join(stage, "database", "dump.sql")); !os.IsNotExist(err) {
		t.Fatal("original survived the split")
	}

	var mf SplitManifest
	b, err := os.ReadFile(filepath.Join(stage, "database", "dump.sql.split.json"))
	if err != nil {
		t.Fatalf("read split manifest: %v", err)
	}
	if err := json.Unmarshal(b, &mf); err != nil {
		t.Fatalf("parse split manifest: %v", err)
	}
	if mf.Original != "database/dump.sql" || mf.Size != 2500 || len(mf.Parts) != 3 {
		t.Fatalf("manifest = %+v", mf)
	}

	var joined []byte
	for _, p := range mf.Parts {
		pb, err := os.ReadFile(filepath.Join(stage, filepath.FromSlash(p)))
		if err != nil {
			t.Fatalf("read part %s: %v", p, err)
		}
		joined = append(joined, pb...)
	}
	if !bytes.Equal(joined, big) {
		t.Fatal("rejoined parts differ from original")
	}
	sum := sha256.Sum256(big)
	if mf.SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatal("split manifest sha mismatch")
	}

	if _, err := os.Stat(filepath.Join(stage, "small.json")); err != nil {
		t.Fatal("small file was touched")
	}
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a", "b.txt"), []byte("hello"))
	writeFile(t, filepath.Join(src, "top.txt"), []byte("hi"))

	dst := t.TempDir()
	if err := CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dst, "a", "b.txt"))
	if err != nil || string(b) != "hello" {
		t.Fatalf("copied content = %q, err %v", b, err)
	}
}

func TestSnapshotConfigAndDataOnly(t *testing.T) {
	dataDir := t.TempDir()
	writeFile(t, filepath.Join(dataDir, "files", "blob.bin"), []byte("payload"))

	cfg := config.Config{
		DataDir:         dataDir,
		IdPURL:          "https://idp.example.com",
		IdPClientSecret: "hunter2",
		DBDSN:           "postgres://secret",
	}
	snap := NewSnapshotter(nil, cfg, nil)

	res, err := snap.Snapshot(context.Background(), Options{
		OutDir:           t.TempDir(),
		Components:       []string{ComponentConfig, ComponentPlugins, ComponentMoodledata},
		CompressionLevel: 6,
	})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if res.Path == "" || res.SHA256 == "" || res.Size == 0 {
		t.Fatalf("result = %+v", res)
	}

	zr, err := zip.OpenReader(res.Path)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{
		"manifest.json", "checksums.sha256",
		"config/config.json", "plugins/plugins.json", "moodledata/files/blob.bin",
	} {
		if !names[want] {
			t.Fatalf("zip missing %s: %v", want, names)
		}
	}

	rc, err := zr.Open("config/config.json")
	if err != nil {
		t.Fatalf("open config: %v", err)
	}
	defer rc.Close()
	var redacted map[string]string
	if err := json.NewDecoder(rc).Decode(&redacted); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if redacted["idp_client_secret"] != "***" || redacted["db_dsn"] != "***" {
		t.Fatalf("secrets not redacted: %v", redacted)
	}
	if redacted["idp_url"] != "https://idp.example.com" {
		t.Fatalf("plain values lost: %v", redacted)
	}
}

func TestSnapshotDryRunWritesNoZip(t *testing.T) {
	out := t.TempDir()
	snap := NewSnapshotter(nil, config.Config{DataDir: t.TempDir()}, nil)
	res, err := snap.Snapshot(context.Background(), Options{
		OutDir:           out,
		Components:       []string{ComponentConfig},
		CompressionLevel: 0,
		DryRun:           true,
	})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if res.Path != "" {
		t.Fatalf("dry run produced %q", res.Path)
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 0 {
		t.Fatalf("dry run wrote into outdir: %v", entries)
	}
}

package export

import (
	"archive/zip"
	"compress/flate"
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
)

// BuildPackage zips the staged tree into outPath with the given deflate
// level. Entry names are slash-separated paths relative to srcDir.
func BuildPackage(srcDir, outPath string, level int) error {
	if level < 0 || level > 9 {
		return fmt.Errorf("compression level %d out of range [0,9]", level)
	}
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// checksumExts are the artifact kinds listed in checksums.sha256.
var checksumExts = map[string]bool{".json": true, ".sql": true, ".gz": true}

// WriteChecksums writes a checksums.sha256 sidecar at the tree root, one
// "hex  relpath" line per matching artifact, sorted by path.
func WriteChecksums(dir string) error {
	var lines []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !checksumExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		sum, err := fileSHA256(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		lines = append(lines, sum+"  "+filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(lines)
	return os.WriteFile(filepath.Join(dir, "checksums.sha256"),
		[]byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

// SplitManifest describes one split artifact; it is written next to the
// parts as <original>.split.json.
type SplitManifest struct {
	Original string   `json:"original"`
	Size     int64    `json:"size"`
	SHA256   string   `json:"sha256"`
	Parts    []string `json:"parts"`
}

// SplitLargeFiles breaks every staged file larger than threshold into
// name.partNNN.ext pieces plus a split manifest, removing the original.
// Returns the originals that were split.
func SplitLargeFiles(dir string, threshold int64) ([]string, error) {
	if threshold <= 0 {
		return nil, nil
	}
	var big []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > threshold {
			big = append(big, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var split []string
	for _, path := range big {
		if err := splitFile(dir, path, threshold); err != nil {
			return split, err
		}
		rel, _ := filepath.Rel(dir, path)
		split = append(split, filepath.ToSlash(rel))
	}
	return split, nil
}

func splitFile(root, path string, threshold int64) error {
	sum, err := fileSHA256(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	rel, _ := filepath.Rel(root, path)

	mf := SplitManifest{Original: filepath.ToSlash(rel), Size: info.Size(), SHA256: sum}
	for i := 0; ; i++ {
		partPath := fmt.Sprintf("%s.part%03d%s", stem, i, ext)
		n, err := copyPart(partPath, src, threshold)
		if err != nil {
			return err
		}
		if n == 0 {
			_ = os.Remove(partPath)
			break
		}
		relPart, _ := filepath.Rel(root, partPath)
		mf.Parts = append(mf.Parts, filepath.ToSlash(relPart))
		if n < threshold {
			break
		}
	}

	b, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(stem+ext+".split.json", b, 0o644); err != nil {
		return err
	}
	return os.Remove(path)
}

func copyPart(dst string, src io.Reader, limit int64) (int64, error) {
	f, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(f, io.LimitReader(src, limit))
}

// CopyTree mirrors src into dst, creating directories as needed. Symlinks
// are skipped.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

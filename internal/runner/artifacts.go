package runner

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"matrixci/internal/matrix"
)

// CollectArtifacts copies the declared artifact paths of a passed job from
// the workspace into <artifactDir>/<jobID>/, preserving workspace-relative
// layout. It returns the number of files collected.
//
// Only declared paths are collected; there is no scanning for modified
// files. A declared path that does not exist is an error: the job claimed
// success but did not produce what it promised.
func CollectArtifacts(workDir, artifactDir, jobID string, declared []string) (int, error) {
	var allPaths []string

	for _, decl := range declared {
		full := decl
		if !filepath.IsAbs(full) {
			full = filepath.Join(workDir, decl)
		}

		info, err := os.Stat(full)
		if err != nil {
			if os.IsNotExist(err) {
				return 0, fmt.Errorf("declared artifact does not exist: %s", decl)
			}
			return 0, fmt.Errorf("stat artifact %q: %w", decl, err)
		}

		if info.IsDir() {
			err := filepath.WalkDir(full, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return nil
				}
				allPaths = append(allPaths, path)
				return nil
			})
			if err != nil {
				return 0, fmt.Errorf("walking artifact dir %q: %w", decl, err)
			}
		} else {
			allPaths = append(allPaths, full)
		}
	}

	// Sorted and deduplicated so overlapping declarations copy once and
	// the collection order never depends on filesystem iteration.
	sort.Strings(allPaths)
	allPaths = dedupeSorted(allPaths)

	dest := filepath.Join(artifactDir, matrix.SanitizeID(jobID))
	count := 0
	for _, src := range allPaths {
		rel, err := filepath.Rel(workDir, src)
		if err != nil || strings.HasPrefix(rel, "..") {
			// Absolute declarations outside the workspace keep only
			// their base name.
			rel = filepath.Base(src)
		}
		if err := copyFile(src, filepath.Join(dest, rel)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open artifact %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create artifact copy %q: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy artifact %q: %w", src, err)
	}
	return out.Close()
}

func dedupeSorted(sorted []string) []string {
	if len(sorted) == 0 {
		return sorted
	}
	result := sorted[:1]
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1] {
			result = append(result, sorted[i])
		}
	}
	return result
}

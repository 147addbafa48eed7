package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PartitionSet is the ordered list of partition files of one bundle.
// Order is lexicographic by file name so checkpointed indexes stay valid.
type PartitionSet struct {
	Dir   string
	Files []string
}

// LoadPartitions lists the files in dir ending in "."+ext.
func LoadPartitions(dir, ext string) (PartitionSet, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return PartitionSet{}, fmt.Errorf("%w: archive directory: %v", ErrConfig, err)
	}
	if !info.IsDir() {
		return PartitionSet{}, fmt.Errorf("%w: %s is not a directory", ErrConfig, dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return PartitionSet{}, fmt.Errorf("read archive directory: %w", err)
	}
	suffix := "." + strings.TrimPrefix(ext, ".")
	var files []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == SidecarName {
			continue
		}
		if strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return PartitionSet{}, fmt.Errorf("%w: no *%s partitions in %s", ErrConfig, suffix, dir)
	}
	sort.Strings(files)
	return PartitionSet{Dir: dir, Files: files}, nil
}

// Len is the number of partitions.
func (p PartitionSet) Len() int { return len(p.Files) }

// Path returns the full path of partition i.
func (p PartitionSet) Path(i int) string {
	return filepath.Join(p.Dir, p.Files[i])
}

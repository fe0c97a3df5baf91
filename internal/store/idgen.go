package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// nextID scans every status directory under root for today's task records
// and returns the next unused TASK-YYYY-MM-DD-NNN id. Caller must hold the
// store's write lock.
func nextID(root string, now time.Time) (string, error) {
	day := now.UTC().Format("2006-01-02")
	prefix := "TASK-" + day + "-"

	max := 0
	entries, err := os.ReadDir(filepath.Join(root, "tasks"))
	if err != nil {
		if os.IsNotExist(err) {
			return prefix + "001", nil
		}
		return "", fmt.Errorf("idgen: readdir tasks: %w", err)
	}

	for _, statusDir := range entries {
		if !statusDir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, "tasks", statusDir.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			name := strings.TrimSuffix(f.Name(), filepath.Ext(f.Name()))
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			seqStr := strings.TrimPrefix(name, prefix)
			seq, err := strconv.Atoi(seqStr)
			if err != nil {
				continue
			}
			if seq > max {
				max = seq
			}
		}
	}
	return fmt.Sprintf("%s%03d", prefix, max+1), nil
}

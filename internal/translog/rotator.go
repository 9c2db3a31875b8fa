package translog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/docshard/shardkernel/internal/logging"
)

const (
	generationSuffixPrefix = "."
	generationFileBase     = "translog"
	generationFileExt      = ".tlog"
)

// generationPath returns the on-disk path for a given generation number:
// translog-<gen>.tlog. Names sort lexicographically by generation for
// fixed-width generations and numerically via listGenerations regardless.
func generationPath(dir string, generation uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%d%s", generationFileBase, generation, generationFileExt))
}

// rotator discovers existing generation files on disk and decides when the
// active generation should roll over to a new file. There is no rename:
// each generation gets its own immutable filename from creation.
type rotator struct {
	dir       string
	threshold uint64
	logger    *logging.Logger
}

func newRotator(dir string, threshold uint64, log *logging.Logger) *rotator {
	return &rotator{dir: dir, threshold: threshold, logger: log}
}

func (r *rotator) shouldRotate(currentSize uint64) bool {
	if r.threshold == 0 {
		return false
	}
	return currentSize >= r.threshold
}

// listGenerations returns all generation numbers found in dir, ascending.
func (r *rotator) listGenerations() ([]uint64, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read translog dir: %w", err)
	}

	var gens []uint64
	prefix := generationFileBase + "-"
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, generationFileExt) {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), generationFileExt)
		n, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			r.logger.Debug("ignoring unparseable translog file: %s", name)
			continue
		}
		gens = append(gens, n)
	}

	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

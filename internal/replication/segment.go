package replication

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/util"
	"go.uber.org/zap"
)

const segmentPrefix = "replog-"

// SegmentConfig holds segment log configuration
type SegmentConfig struct {
	Dir         string `yaml:"dir" mapstructure:"dir"`
	SegmentSize int64  `yaml:"segment_size" mapstructure:"segment_size"`
	MaxSegments int    `yaml:"max_segments" mapstructure:"max_segments"`
	SyncWrites  bool   `yaml:"sync_writes" mapstructure:"sync_writes"`
}

// SegmentLog persists applied records as JSON lines in rotating segment
// files so a restarted node can rebuild its caches. Segments beyond
// MaxSegments are deleted oldest first; replaying the survivors in order
// still yields a subset of the last state.
type SegmentLog struct {
	cfg    SegmentConfig
	logger *zap.Logger

	mu          sync.Mutex
	currentFile *os.File
	currentSize int64
	segmentID   int64
	closed      bool
}

// OpenSegmentLog opens a new segment after any existing ones in cfg.Dir
func OpenSegmentLog(cfg SegmentConfig, logger *zap.Logger) (*SegmentLog, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 64 * 1024 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}

	ids, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}

	l := &SegmentLog{cfg: cfg, logger: logger}
	if len(ids) > 0 {
		l.segmentID = ids[len(ids)-1]
	}

	if err := l.openNewSegment(); err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	return l, nil
}

func segmentPath(dir string, id int64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d.log", segmentPrefix, id))
}

// listSegments returns the ids of the segments in dir in ascending order
func listSegments(dir string) ([]int64, error) {
	files, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to list segment files: %w", err)
	}

	ids := make([]int64, 0, len(files))
	for _, f := range files {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(f), segmentPrefix), ".log")
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Append writes a record to the current segment
func (l *SegmentLog) Append(rec *model.ReplicationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("segment log is closed")
	}

	if _, err := l.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write segment: %w", err)
	}
	l.currentSize += int64(len(data))

	if l.cfg.SyncWrites {
		if err := l.currentFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync segment: %w", err)
		}
	}

	if l.currentSize >= l.cfg.SegmentSize {
		l.logger.Info("Rotating segment due to size",
			zap.Int64("size", l.currentSize),
			zap.Int64("threshold", l.cfg.SegmentSize))
		if err := l.openNewSegment(); err != nil {
			return fmt.Errorf("failed to rotate segment: %w", err)
		}
	}
	return nil
}

// openNewSegment closes the current file and starts the next segment
func (l *SegmentLog) openNewSegment() error {
	if l.currentFile != nil {
		if err := l.currentFile.Close(); err != nil {
			l.logger.Warn("Failed to close segment", zap.Error(err))
		}
	}

	l.segmentID++
	path := segmentPath(l.cfg.Dir, l.segmentID)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment file: %w", err)
	}

	l.currentFile = file
	l.currentSize = 0
	l.logger.Info("Opened new segment", zap.String("path", path))

	l.enforceRetention()
	return nil
}

// enforceRetention deletes the oldest segments beyond MaxSegments
func (l *SegmentLog) enforceRetention() {
	if l.cfg.MaxSegments <= 0 {
		return
	}
	ids, err := listSegments(l.cfg.Dir)
	if err != nil {
		l.logger.Warn("Failed to list segments for retention", zap.Error(err))
		return
	}
	for len(ids) > l.cfg.MaxSegments {
		path := segmentPath(l.cfg.Dir, ids[0])
		if err := os.Remove(path); err != nil {
			l.logger.Warn("Failed to delete segment", zap.String("path", path), zap.Error(err))
			return
		}
		l.logger.Info("Deleted segment", zap.String("path", path))
		ids = ids[1:]
	}
}

// Recover replays every record of every segment in order. Records that fail
// to decode or to verify are skipped.
func (l *SegmentLog) Recover(apply func(rec *model.ReplicationRecord) error) (int, error) {
	l.logger.Info("Starting segment recovery", zap.String("dir", l.cfg.Dir))

	l.mu.Lock()
	current := l.segmentID
	l.mu.Unlock()

	ids, err := listSegments(l.cfg.Dir)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		if id >= current {
			break
		}
		count, err := l.recoverFromFile(segmentPath(l.cfg.Dir, id), apply)
		recovered += count
		if err != nil {
			l.logger.Error("Failed to recover from segment",
				zap.Int64("segment", id),
				zap.Error(err))
		}
	}

	l.logger.Info("Segment recovery completed", zap.Int("records", recovered))
	return recovered, nil
}

func (l *SegmentLog) recoverFromFile(path string, apply func(rec *model.ReplicationRecord) error) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	count := 0

	for scanner.Scan() {
		var rec model.ReplicationRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			l.logger.Warn("Failed to unmarshal segment record", zap.Error(err))
			continue
		}
		if actual, ok := util.VerifyRecord(&rec); !ok {
			l.logger.Warn("Skipping corrupted segment record",
				zap.Uint64("sequence", rec.Sequence),
				zap.Uint32("expected", rec.Checksum),
				zap.Uint32("actual", actual))
			continue
		}
		if err := apply(&rec); err != nil {
			l.logger.Warn("Failed to replay segment record", zap.Error(err))
			continue
		}
		count++
	}

	return count, scanner.Err()
}

// Close closes the current segment
func (l *SegmentLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.currentFile != nil {
		return l.currentFile.Close()
	}
	return nil
}

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "catalogd/pkg/logx"
)

// fileStore is a dependency-free persistence backend on top of memStore.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	*memStore
	log logx.Logger

	// mu serializes mutation + journal append so replay order matches memory.
	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalOp string

const (
	opSchedulePut journalOp = "schedule.put"
	opScheduleDel journalOp = "schedule.del"
	opContentPut  journalOp = "content.put"
	opContentDel  journalOp = "content.del"
	opScores      journalOp = "content.scores"
)

type journalRecord struct {
	Op       journalOp          `json:"op"`
	Key      string             `json:"key,omitempty"`
	Schedule *ScheduleRecord    `json:"schedule,omitempty"`
	Content  *ContentItem       `json:"content,omitempty"`
	Scores   map[string]float64 `json:"scores,omitempty"`
}

type snapshot struct {
	Schedules []ScheduleRecord `json:"schedules"`
	Content   []ContentItem    `json:"content"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := newMemStore()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load snapshot")
	}
	replayed, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "replay journal")
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	st := &fileStore{
		memStore:     mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 500,
	}
	log.Debug("file store opened",
		logx.String("path", prefix),
		logx.Int("schedules", len(mem.schedules)),
		logx.Int("content", len(mem.content)),
		logx.Int("journal_replayed", replayed),
	)
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) UpsertSchedule(ctx context.Context, rec ScheduleRecord) (ScheduleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.memStore.UpsertSchedule(ctx, rec)
	if err != nil {
		return out, err
	}
	return out, s.appendLocked(journalRecord{Op: opSchedulePut, Schedule: &out})
}

func (s *fileStore) SetScheduleActive(ctx context.Context, name string, active bool, next *time.Time) (ScheduleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.memStore.SetScheduleActive(ctx, name, active, next)
	if err != nil {
		return out, err
	}
	return out, s.appendLocked(journalRecord{Op: opSchedulePut, Schedule: &out})
}

func (s *fileStore) RecordRun(ctx context.Context, name string, run RunRecord) (ScheduleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.memStore.RecordRun(ctx, name, run)
	if err != nil {
		return out, err
	}
	return out, s.appendLocked(journalRecord{Op: opSchedulePut, Schedule: &out})
}

func (s *fileStore) DeleteSchedule(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.memStore.DeleteSchedule(ctx, name); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opScheduleDel, Key: name})
}

func (s *fileStore) CreateContent(ctx context.Context, it ContentItem) (ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.memStore.CreateContent(ctx, it)
	if err != nil {
		return out, err
	}
	return out, s.appendLocked(journalRecord{Op: opContentPut, Content: &out})
}

func (s *fileStore) UpdateContent(ctx context.Context, it ContentItem) (ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.memStore.UpdateContent(ctx, it)
	if err != nil {
		return out, err
	}
	return out, s.appendLocked(journalRecord{Op: opContentPut, Content: &out})
}

func (s *fileStore) DeleteContent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.memStore.DeleteContent(ctx, id); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opContentDel, Key: id})
}

func (s *fileStore) SetTrendScores(ctx context.Context, scores map[string]float64) error {
	if len(scores) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.memStore.SetTrendScores(ctx, scores); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opScores, Scores: scores})
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return errors.Wrap(err, "append journal")
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	s.memStore.mu.RLock()
	snap := snapshot{
		Schedules: make([]ScheduleRecord, 0, len(s.memStore.schedules)),
		Content:   make([]ContentItem, 0, len(s.memStore.content)),
	}
	for _, r := range s.memStore.schedules {
		snap.Schedules = append(snap.Schedules, r)
	}
	for _, it := range s.memStore.content {
		snap.Content = append(snap.Content, it)
	}
	b, err := json.Marshal(snap)
	s.memStore.mu.RUnlock()
	if err != nil {
		return err
	}

	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, into *memStore) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for _, r := range snap.Schedules {
		into.schedules[r.JobName] = r
	}
	for _, it := range snap.Content {
		into.putContentRaw(it)
	}
	return nil
}

func replayJournal(path string, into *memStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// torn tail write; everything before it is intact
			continue
		}
		switch r.Op {
		case opSchedulePut:
			if r.Schedule != nil {
				into.schedules[r.Schedule.JobName] = *r.Schedule
			}
		case opScheduleDel:
			delete(into.schedules, r.Key)
		case opContentPut:
			if r.Content != nil {
				into.putContentRaw(*r.Content)
			}
		case opContentDel:
			if it, ok := into.content[r.Key]; ok {
				delete(into.byExternal, externalKey(it.ExternalID, it.Source))
				delete(into.content, r.Key)
			}
		case opScores:
			for id, score := range r.Scores {
				if it, ok := into.content[id]; ok {
					it.TrendScore = score
					into.content[id] = it
				}
			}
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}

// putContentRaw stores it as-is, keeping the external index consistent.
func (s *memStore) putContentRaw(it ContentItem) {
	if old, ok := s.content[it.ID]; ok && old.ExternalID != "" {
		delete(s.byExternal, externalKey(old.ExternalID, old.Source))
	}
	s.content[it.ID] = it
	if it.ExternalID != "" {
		s.byExternal[externalKey(it.ExternalID, it.Source)] = it.ID
	}
}

package config

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	logx "catalogd/pkg/logx"
)

const (
	debounceDelay   = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// reloadOps are the file events that may leave new content behind.
const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Validator vets a parsed config before it is committed.
type Validator func(ctx context.Context, cfg *Config) error

// ConfigManager owns the committed config. Accepted edits are handed to
// subscribers as a Change classified against the previous commit.
type ConfigManager struct {
	path      string
	log       logx.Logger
	validator Validator

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	// subsMu is held while sending so Unsubscribe never closes a channel
	// under a publisher.
	subsMu sync.Mutex
	subs   []chan Change
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

func (m *ConfigManager) SetValidator(fn Validator) { m.validator = fn }

// Parse reads and strictly decodes the file. YAML is accepted and goes
// through the same JSON decoder, so unknown keys fail either way.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	jb, _, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "decode %s", filepath.Base(m.path))
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == io.EOF:
		return &cfg, nil
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	default:
		return nil, err
	}
}

// Load parses and commits the file without notifying subscribers.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// Commit installs cfg and returns how it differs from the config it replaced.
func (m *ConfigManager) Commit(cfg *Config) Change {
	m.mu.Lock()
	old := m.cfg
	m.cfg = cfg
	m.hash = hashConfig(cfg)
	m.mu.Unlock()
	return Diff(old, cfg)
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file and commits it when it parses, differs from the
// committed content and passes the validator. The resulting Change is
// published and returned; ok is false when nothing was committed.
func (m *ConfigManager) Reload(ctx context.Context) (c Change, ok bool, err error) {
	cfg, err := m.Parse()
	if err != nil {
		return Change{}, false, err
	}
	m.mu.RLock()
	same := m.hash != 0 && m.hash == hashConfig(cfg)
	m.mu.RUnlock()
	if same {
		return Change{}, false, nil
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return Change{}, false, errors.Wrap(err, "config rejected")
		}
	}
	c = m.Commit(cfg)
	m.publish(c)
	return c, true, nil
}

func (m *ConfigManager) Subscribe(buffer int) chan Change {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan Change) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish never blocks. A full subscriber has its oldest pending change
// folded into the new one, so the sections it reports still cover every
// edit since that subscriber last caught up.
func (m *ConfigManager) publish(c Change) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- c:
			continue
		default:
		}
		merged := c
		select {
		case prev := <-ch:
			merged = Diff(prev.Old, c.New)
		default:
		}
		select {
		case ch <- merged:
		default:
			m.log.Debug("config change dropped; subscriber full", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Watch reloads the config whenever its file changes, until ctx is done. The
// parent directory is watched so editors that replace the file are seen. A
// watcher that fails or breaks is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	trigger, stop := m.debouncer(ctx)
	defer stop()

	bo := newBackoff(watchBackoffMin, watchBackoffMax)
	for {
		err := m.watchDir(ctx, dir, file, trigger, bo)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir),
			logx.Err(err),
			logx.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchDir runs one fsnotify watcher. It returns nil once ctx is done and an
// error when the watcher could not start or stopped delivering.
func (m *ConfigManager) watchDir(ctx context.Context, dir, file string, trigger func(), bo *backoff) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	bo.reset()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher events closed")
			}
			if ev.Op&reloadOps != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher errors closed")
			}
			if err == nil {
				continue
			}
			// Events may have been lost; reload once and keep watching.
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				trigger()
				continue
			}
			if errors.Is(err, fsnotify.ErrClosed) {
				return err
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		}
	}
}

// debouncer returns a trigger that reloads once the file has been quiet for
// debounceDelay, and a stop func that cancels a pending reload.
func (m *ConfigManager) debouncer(ctx context.Context) (trigger func(), stop func()) {
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		c, ok, err := m.Reload(ctx)
		switch {
		case err != nil:
			m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
		case !ok:
			m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		default:
			m.log.Debug("config published", logx.String("path", m.path), logx.Any("sections", c.Sections))
		}
	}
	trigger = func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, reload)
	}
	stop = func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
	}
	return trigger, stop
}

// backoff doubles from min to max and adds up to 50% jitter.
type backoff struct {
	min, max, cur time.Duration
	rng           *rand.Rand
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{min: min, max: max, cur: min, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *backoff) reset() { b.cur = b.min }

func (b *backoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur = min(b.cur*2, b.max)
	return wait
}

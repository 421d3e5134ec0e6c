// Package live manages microphone streaming sessions made of ordered chunks.
package live

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"signalhub-go/internal/logger"
	"signalhub-go/internal/types"
)

type session struct {
	id        string
	dir       string
	createdAt time.Time

	mu       sync.RWMutex
	chunks   []string
	partials []string
	stopped  bool
	final    string
}

// Session is a point-in-time copy of a live session.
type Session struct {
	ID        string    `json:"session_id"`
	Dir       string    `json:"dir"`
	CreatedAt time.Time `json:"created_at"`
	Chunks    []string  `json:"chunks"`
	Partials  []string  `json:"partials"`
	Stopped   bool      `json:"stopped"`
	FinalText string    `json:"final_text,omitempty"`
}

// Manager owns all sessions. Each session expects a single chunk producer;
// partial reads may run concurrently with it.
type Manager struct {
	baseDir string
	log     *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewManager(baseDir string, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		baseDir:  baseDir,
		log:      log.Component("live"),
		sessions: make(map[string]*session),
	}
}

// Start allocates a session with its own working directory.
func (m *Manager) Start() (Session, error) {
	id := uuid.NewString()
	dir := filepath.Join(m.baseDir, id)
	if err := os.MkdirAll(filepath.Join(dir, "chunks"), 0o755); err != nil {
		return Session{}, fmt.Errorf("create session dir: %w", err)
	}
	s := &session{id: id, dir: dir, createdAt: time.Now().UTC()}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.log.WithField("session_id", id).Info("live session started")
	return s.snapshot(), nil
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("live session %s: %w", id, types.ErrSessionNotFound)
	}
	return s, nil
}

// AddChunk persists raw as the next chunk and returns its index.
func (m *Manager) AddChunk(id string, raw []byte, ext string) (int, error) {
	s, err := m.lookup(id)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := len(s.chunks)
	path := filepath.Join(s.dir, "chunks", fmt.Sprintf("chunk_%d%s", idx, normalizeExt(ext)))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return 0, fmt.Errorf("write chunk %d: %w", idx, err)
	}
	s.chunks = append(s.chunks, path)
	for len(s.partials) < len(s.chunks) {
		s.partials = append(s.partials, "")
	}

	m.log.WithFields(logrus.Fields{
		"session_id":  id,
		"chunk_index": idx,
		"bytes":       len(raw),
	}).Debug("chunk added")
	return idx, nil
}

// SetPartial stores text at idx, padding with empty slots as needed.
func (m *Manager) SetPartial(id string, idx int, text string) error {
	if idx < 0 {
		return fmt.Errorf("invalid chunk index %d", idx)
	}
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.partials) <= idx {
		s.partials = append(s.partials, "")
	}
	s.partials[idx] = text
	return nil
}

// Partials returns a copy of the partial transcripts in index order.
func (m *Manager) Partials(id string) ([]string, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.partials...), nil
}

// ChunkPath returns the stored path of chunk idx.
func (m *Manager) ChunkPath(id string, idx int) (string, error) {
	s, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx < 0 || idx >= len(s.chunks) {
		return "", fmt.Errorf("chunk %d out of range", idx)
	}
	return s.chunks[idx], nil
}

// Stop joins the non-empty partials in index order. Session state is kept
// until Close.
func (m *Manager) Stop(id string) (string, error) {
	s, err := m.lookup(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]string, 0, len(s.partials))
	for _, p := range s.partials {
		if p != "" {
			parts = append(parts, p)
		}
	}
	s.final = strings.TrimSpace(strings.Join(parts, " "))
	s.stopped = true

	m.log.WithFields(logrus.Fields{
		"session_id": id,
		"chunks":     len(s.chunks),
		"text_len":   len(s.final),
	}).Info("live session stopped")
	return s.final, nil
}

func (m *Manager) Get(id string) (Session, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return s.snapshot(), nil
}

// Close forgets the session and removes its working directory.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("live session %s: %w", id, types.ErrSessionNotFound)
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (s *session) snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Session{
		ID:        s.id,
		Dir:       s.dir,
		CreatedAt: s.createdAt,
		Chunks:    append([]string(nil), s.chunks...),
		Partials:  append([]string(nil), s.partials...),
		Stopped:   s.stopped,
		FinalText: s.final,
	}
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		return ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

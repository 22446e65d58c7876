package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tandemdev/tandem-core/paths"
)

// MaxRecords is the maximum number of records kept per conversation.
// Older records are dropped from the head of the file on append.
const MaxRecords = 2000

// Record is one persisted exchange entry for a conversation.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	Role         string    `json:"role"`
	Text         string    `json:"text"`
	InputTokens  int64     `json:"input_tokens,omitempty"`
	OutputTokens int64     `json:"output_tokens,omitempty"`
}

// Store persists conversation records as one JSON file per thread under
// the conversations data directory. Writes go through a temp file and
// rename so a crash never leaves a truncated history behind.
type Store struct {
	mu sync.Mutex

	// dir overrides the default conversations directory when set (tests).
	dir string
}

// NewStore returns a store backed by paths.ConversationsDir().
func NewStore() *Store {
	return &Store{}
}

// NewStoreAt returns a store rooted at dir instead of the default
// conversations directory.
func NewStoreAt(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) baseDir() (string, error) {
	if s.dir != "" {
		return s.dir, nil
	}
	return paths.ConversationsDir()
}

func (s *Store) filePath(threadID string) (string, error) {
	if threadID == "" {
		return "", fmt.Errorf("empty thread id")
	}
	if strings.ContainsAny(threadID, `/\`) {
		return "", fmt.Errorf("invalid thread id: %q", threadID)
	}
	dir, err := s.baseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "conversation-"+threadID+".json"), nil
}

// Append adds records to a conversation's history, keeping at most
// MaxRecords entries.
func (s *Store) Append(threadID string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load(threadID)
	if err != nil {
		return err
	}

	all := append(existing, records...)
	if len(all) > MaxRecords {
		all = all[len(all)-MaxRecords:]
	}

	return s.write(threadID, all)
}

// Load returns all records for a conversation. A missing file is an
// empty history, not an error.
func (s *Store) Load(threadID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(threadID)
}

// Delete removes a conversation's history file. Deleting a conversation
// that was never persisted is not an error.
func (s *Store) Delete(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.filePath(threadID)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns the thread ids of all persisted conversations.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.baseDir()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "conversation-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, "conversation-"), ".json"))
	}
	return ids, nil
}

func (s *Store) load(threadID string) ([]Record, error) {
	path, err := s.filePath(threadID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, err
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("corrupt history for %s: %w", threadID, err)
	}
	return records, nil
}

func (s *Store) write(threadID string, records []Record) error {
	path, err := s.filePath(threadID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".conversation-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// FormatTranscript renders records as a plain text transcript, each entry
// prefixed with its role and separated by blank lines.
func FormatTranscript(records []Record) string {
	if len(records) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, rec := range records {
		switch rec.Role {
		case "user":
			sb.WriteString("User:\n")
		case "assistant":
			sb.WriteString("Assistant:\n")
		default:
			sb.WriteString(rec.Role + ":\n")
		}
		sb.WriteString(rec.Text)
		if i < len(records)-1 {
			sb.WriteString("\n\n")
		}
	}
	return sb.String()
}

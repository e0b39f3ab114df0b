// Package journal keeps an append-only jsonl history of finished jobs
// under the state directory, capped and compacted in place. Operational
// history only; pending batches are never persisted.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Entry struct {
	Seq        int64     `json:"seq"`
	JobID      string    `json:"job_id"`
	ChatID     int64     `json:"chat_id"`
	Profile    string    `json:"profile"`
	Inputs     int       `json:"inputs"`
	ExitCode   int       `json:"exit_code"`
	Success    bool      `json:"success"`
	TimedOut   bool      `json:"timed_out"`
	DurationMs int64     `json:"duration_ms"`
	EventID    string    `json:"event_id,omitempty"`
	Nevent     string    `json:"nevent,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

type Journal struct {
	path    string
	maxSize int

	mu          sync.Mutex
	entries     []Entry
	nextSeq     int64
	appendFile  *os.File
	lastCompact time.Time
}

func Open(stateDir string, maxSize int) (*Journal, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	j := &Journal{
		path:    filepath.Join(stateDir, "jobs.jsonl"),
		maxSize: maxSize,
		nextSeq: 1,
	}
	if err := j.load(); err != nil {
		return nil, err
	}
	if err := j.openAppend(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) load() error {
	file, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // Skip invalid lines
		}
		j.entries = append(j.entries, e)
		if e.Seq >= j.nextSeq {
			j.nextSeq = e.Seq + 1
		}
	}
	return scanner.Err()
}

func (j *Journal) openAppend() error {
	if j.appendFile != nil {
		return nil
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file for append: %w", err)
	}
	j.appendFile = file
	return nil
}

// Record appends one finished job, assigning its sequence number. When the
// cap is exceeded the oldest entry is dropped and the file rewritten.
func (j *Journal) Record(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e.Seq = j.nextSeq
	j.nextSeq++
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}

	needsCompact := false
	if j.maxSize > 0 && len(j.entries) >= j.maxSize {
		j.entries = j.entries[1:]
		needsCompact = true
	}
	j.entries = append(j.entries, e)

	if err := j.appendEntry(e); err != nil {
		return err
	}
	if needsCompact {
		return j.maybeCompact()
	}
	return nil
}

func (j *Journal) appendEntry(e Entry) error {
	if err := j.openAppend(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := j.appendFile.Write(data); err != nil {
		return err
	}
	_, err = j.appendFile.WriteString("\n")
	return err
}

// maybeCompact rewrites the file to match the in-memory window, rate
// limited so a burst of over-cap records does not thrash the disk.
func (j *Journal) maybeCompact() error {
	if time.Since(j.lastCompact) < 30*time.Second {
		return nil
	}
	return j.compact()
}

func (j *Journal) compact() error {
	tmpPath := j.path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to rewrite journal file: %w", err)
	}
	for _, e := range j.entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if _, err := file.Write(data); err != nil {
			file.Close()
			return err
		}
		if _, err := file.WriteString("\n"); err != nil {
			file.Close()
			return err
		}
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return err
	}
	if j.appendFile != nil {
		_ = j.appendFile.Close()
		j.appendFile = nil
	}
	j.lastCompact = time.Now()
	return j.openAppend()
}

// Recent returns up to n entries, newest last.
func (j *Journal) Recent(n int) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	if n <= 0 || n > len(j.entries) {
		n = len(j.entries)
	}
	out := make([]Entry, n)
	copy(out, j.entries[len(j.entries)-n:])
	return out
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.appendFile == nil {
		return nil
	}
	err := j.appendFile.Close()
	j.appendFile = nil
	return err
}

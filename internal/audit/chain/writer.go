// Package chain writes a tamper-evident audit trail: every JSONL record
// carries the sha256 of its predecessor.
package chain

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Auditor is what the request service records decisions through.
type Auditor interface {
	Log(kind, actor, target string, meta map[string]string) error
}

type Writer struct {
	mu   sync.Mutex
	f    *os.File
	prev []byte // previous hash
	now  func() time.Time
}

// NewWriter opens path for appending and continues the chain from its last
// record.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	prev, err := lastHash(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, prev: prev, now: time.Now}, nil
}

func (w *Writer) Close() error { return w.f.Close() }

type Event struct {
	Time   time.Time         `json:"time"`
	Kind   string            `json:"kind"`
	Actor  string            `json:"actor"`
	Target string            `json:"target"`
	Meta   map[string]string `json:"meta"`
	Prev   string            `json:"prev"`
	Hash   string            `json:"hash"`
}

func (w *Writer) Log(kind, actor, target string, meta map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ev := Event{Time: w.now().UTC(), Kind: kind, Actor: actor, Target: target, Meta: meta, Prev: hex.EncodeToString(w.prev)}
	h, err := digest(w.prev, ev)
	if err != nil {
		return err
	}
	ev.Hash = hex.EncodeToString(h)
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.f.Write(append(b, '\n')); err != nil {
		return err
	}
	w.prev = h
	return nil
}

// digest hashes prev followed by the record with an empty Hash field.
func digest(prev []byte, ev Event) ([]byte, error) {
	ev.Hash = ""
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(append(append([]byte{}, prev...), b...))
	return h[:], nil
}

// ErrTampered reports a record whose link or hash does not check out.
var ErrTampered = errors.New("audit chain broken")

// Verify walks the chain in r and returns the number of intact records.
func Verify(r io.Reader) (int, error) {
	prev := make([]byte, sha256.Size)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return n, fmt.Errorf("%w: line %d: %v", ErrTampered, n+1, err)
		}
		if ev.Prev != hex.EncodeToString(prev) {
			return n, fmt.Errorf("%w: line %d: prev link mismatch", ErrTampered, n+1)
		}
		h, err := digest(prev, ev)
		if err != nil {
			return n, err
		}
		if ev.Hash != hex.EncodeToString(h) {
			return n, fmt.Errorf("%w: line %d: hash mismatch", ErrTampered, n+1)
		}
		prev = h
		n++
	}
	return n, sc.Err()
}

// VerifyFile is Verify over the file at path.
func VerifyFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Verify(f)
}

func lastHash(path string) ([]byte, error) {
	prev := make([]byte, sha256.Size)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return prev, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var last []byte
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			last = append(last[:0], line...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if last == nil {
		return prev, nil
	}
	var ev Event
	if err := json.Unmarshal(last, &ev); err != nil {
		return nil, fmt.Errorf("%w: last record: %v", ErrTampered, err)
	}
	h, err := hex.DecodeString(ev.Hash)
	if err != nil || len(h) != sha256.Size {
		return nil, fmt.Errorf("%w: last record hash %q", ErrTampered, ev.Hash)
	}
	return h, nil
}

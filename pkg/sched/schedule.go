package sched

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/marionette-go/marionette/pkg/lcbn"
)

// FormatVersion is the persisted schedule file format version.
const FormatVersion = 1

// Header is the first line of a schedule file.
type Header struct {
	Version int    `json:"version"`
	Session string `json:"session"`
	Kind    Kind   `json:"kind"`
	Mode    Mode   `json:"mode"`
	Created string `json:"created"` // RFC 3339
}

func (k Kind) MarshalText() ([]byte, error)  { return []byte(k.String()), nil }
func (k *Kind) UnmarshalText(b []byte) error { v, err := ParseKind(string(b)); *k = v; return err }
func (m Mode) MarshalText() ([]byte, error)  { return []byte(m.String()), nil }
func (m *Mode) UnmarshalText(b []byte) error { v, err := ParseMode(string(b)); *m = v; return err }

// Entry is one recorded scheduling decision. Which fields are meaningful
// depends on Point:
//
//   - before-exec-cb: Seq, CB, Name, Parent, Role, NChildren (final child
//     count, filled when the callback ends)
//   - timer-run, looper-before-handling-events: Perm, Acts
//   - tp-getting-work, looper-getting-done: Index
//   - tp-got-work, tp-before-put-done: Index (informational)
//   - timer-ready: Ready
//   - timer-next-timeout: WaitMS
//   - looper-run-closing: Deferred
//
// Diverged marks the entry at which a replay stopped following the input
// schedule.
type Entry struct {
	Point     Point             `json:"point"`
	Seq       int               `json:"seq,omitempty"`
	CB        lcbn.CallbackType `json:"cb,omitempty"`
	Name      string            `json:"name,omitempty"`
	Parent    string            `json:"parent,omitempty"`
	Role      string            `json:"role,omitempty"`
	NChildren int               `json:"nchildren,omitempty"`
	Index     int               `json:"index,omitempty"`
	Perm      Permutation       `json:"perm,omitempty"`
	Acts      []Thought         `json:"acts,omitempty"`
	Ready     bool              `json:"ready,omitempty"`
	WaitMS    uint64            `json:"wait_ms,omitempty"`
	Deferred  bool              `json:"deferred,omitempty"`
	Diverged  bool              `json:"diverged,omitempty"`
}

// Schedule is a parsed schedule file.
type Schedule struct {
	Header  Header
	Entries []Entry
}

// WriteSchedule writes a header line followed by one entry per line.
func WriteSchedule(w io.Writer, hdr Header, entries []Entry) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	if err := enc.Encode(hdr); err != nil {
		return fmt.Errorf("sched: encode header: %w", err)
	}
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return fmt.Errorf("sched: encode entry %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// ReadSchedule parses a schedule from r.
func ReadSchedule(r io.Reader) (*Schedule, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	var s Schedule
	if !dec.More() {
		return nil, fmt.Errorf("sched: schedule is empty")
	}
	if err := dec.Decode(&s.Header); err != nil {
		return nil, fmt.Errorf("sched: decode header: %w", err)
	}
	if s.Header.Version != FormatVersion {
		return nil, fmt.Errorf("sched: unsupported schedule format version %d", s.Header.Version)
	}
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("sched: decode entry %d: %w", len(s.Entries), err)
		}
		s.Entries = append(s.Entries, e)
	}
	return &s, nil
}

// LoadSchedule reads and parses a schedule file.
func LoadSchedule(path string) (*Schedule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sched: open schedule: %w", err)
	}
	defer f.Close()
	return ReadSchedule(f)
}

// ReplayOutputPath derives the emit path for replay mode, so the input
// schedule is never overwritten.
func ReplayOutputPath(inputPath string) string {
	return inputPath + "-replay"
}

// newHeader stamps a header for the current session.
func newHeader(session string, kind Kind, mode Mode) Header {
	return Header{
		Version: FormatVersion,
		Session: session,
		Kind:    kind,
		Mode:    mode,
		Created: time.Now().UTC().Format(time.RFC3339),
	}
}

// ExecEntries filters the schedule down to callback-execution entries, in
// order. Handy for assertions and tooling.
func (s *Schedule) ExecEntries() []Entry {
	var out []Entry
	for _, e := range s.Entries {
		if e.Point == PointBeforeExecCB {
			out = append(out, e)
		}
	}
	return out
}

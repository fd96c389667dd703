package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FixOutcome is the verification result of one intervention.
type FixOutcome string

const (
	OutcomePending      FixOutcome = "pending"
	OutcomeVerifiedOK   FixOutcome = "verified_ok"
	OutcomeNotRecovered FixOutcome = "not_recovered"
)

// FixAttempt is one durable record of a supervisor intervention.
type FixAttempt struct {
	ID           string          `json:"id"`
	WorkerID     int             `json:"worker_id"`
	TS           time.Time       `json:"ts"`
	RootCause    string          `json:"root_cause"`
	FixType      string          `json:"fix_type"`
	Params       json.RawMessage `json:"params,omitempty"`
	Outcome      FixOutcome      `json:"outcome"`
	AttemptIndex int             `json:"attempt_index"`
}

// maxHistory bounds the on-disk history length.
const maxHistory = 1000

// History is the append-mostly fix log.
type History struct {
	path     string
	attempts []FixAttempt
}

// LoadHistory reads the history file, tolerating a corrupt tail by keeping
// whatever parses.
func LoadHistory(path string) (*History, error) {
	h := &History{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fix history: %w", err)
	}
	if jerr := json.Unmarshal(data, &h.attempts); jerr != nil {
		// Scan backwards for the last complete array.
		if end := lastIndexByte(data, ']'); end > 0 {
			if jerr2 := json.Unmarshal(data[:end+1], &h.attempts); jerr2 == nil {
				return h, nil
			}
		}
		h.attempts = nil
	}
	return h, nil
}

func lastIndexByte(data []byte, b byte) int {
	for i := len(data) - 1; i >= 0; i-- {
		if data[i] == b {
			return i
		}
	}
	return -1
}

// Append records an attempt and persists.
func (h *History) Append(a FixAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	h.attempts = append(h.attempts, a)
	if len(h.attempts) > maxHistory {
		h.attempts = h.attempts[len(h.attempts)-maxHistory:]
	}
	return h.save()
}

// UpdateLast sets the outcome of the most recent attempt for a worker.
func (h *History) UpdateLast(workerID int, outcome FixOutcome) error {
	for i := len(h.attempts) - 1; i >= 0; i-- {
		if h.attempts[i].WorkerID == workerID {
			h.attempts[i].Outcome = outcome
			return h.save()
		}
	}
	return fmt.Errorf("no attempt recorded for worker %d", workerID)
}

// Attempts returns all recorded attempts, oldest first.
func (h *History) Attempts() []FixAttempt {
	return h.attempts
}

// AttemptsFor returns a worker's attempts within the window.
func (h *History) AttemptsFor(workerID int, window time.Duration) []FixAttempt {
	cutoff := time.Now().Add(-window)
	var out []FixAttempt
	for _, a := range h.attempts {
		if a.WorkerID == workerID && a.TS.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

func (h *History) save() error {
	data, err := json.MarshalIndent(h.attempts, "", "  ")
	if err != nil {
		return err
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, h.path)
}

// causeKeywords normalizes a root-cause string to its lowercase keyword set.
func causeKeywords(cause string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(cause)) {
		w = strings.Trim(w, ".,:;()[]\"'")
		if len(w) < 3 {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// RecurrenceCount counts prior attempts whose root cause shares at least
// three keywords with cause. Two or more means the problem keeps coming
// back and a restart is not fixing it.
func (h *History) RecurrenceCount(cause string) int {
	want := causeKeywords(cause)
	if len(want) == 0 {
		return 0
	}
	count := 0
	for _, a := range h.attempts {
		overlap := 0
		for w := range causeKeywords(a.RootCause) {
			if _, ok := want[w]; ok {
				overlap++
			}
		}
		if overlap >= 3 {
			count++
		}
	}
	return count
}

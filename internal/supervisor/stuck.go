package supervisor

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/jackzampolin/bookherd/internal/oracle"
	"github.com/jackzampolin/bookherd/internal/progress"
)

// progressSignals are log lines that count as forward motion for a worker
// that has not uploaded yet.
var progressSignals = regexp.MustCompile(
	`(?i)(Processed batch|Found \d+ new files|catalog (batch )?query|discovery|extracting archive|archive contents listed)`)

// errorPatterns are the log shapes surfaced in diagnostics.
var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ERROR.*?(\w+Error|failed|panic)`),
	regexp.MustCompile(`(?i)server error`),
	regexp.MustCompile(`(?i)connection.*?(refused|reset|failed)`),
	regexp.MustCompile(`(?i)file name too long`),
	regexp.MustCompile(`(?i)NUL.*?character`),
	regexp.MustCompile(`(?i)timeout`),
	regexp.MustCompile(`(?i)upload stuck`),
}

// keyRangeRe pulls the shard key position from logs to spot loops over the
// same range.
var keyRangeRe = regexp.MustCompile(`(?i)last(_processed)?_?(shard_)?key[=:\s]+(\d+)`)

// logTailLines is how much log the supervisor reads per worker.
const logTailLines = 500

// workerState is one cycle's view of a worker.
type workerState struct {
	ShardID int
	Prog    *progress.WorkerProgress
	Alive   bool
	Stuck   bool
	Reason  string
}

// assess classifies one worker as stuck or healthy.
func (s *Supervisor) assess(shardID int, p *progress.WorkerProgress, now time.Time) workerState {
	st := workerState{ShardID: shardID, Prog: p, Alive: s.alive(p.PID)}
	if !st.Alive {
		return st
	}
	if p.Status == progress.StatusPaused {
		return st
	}

	if p.LastUploadedAt != nil {
		if since := now.Sub(*p.LastUploadedAt); since > s.cfg.StuckThreshold {
			st.Stuck = true
			st.Reason = fmt.Sprintf("no uploads for %s", since.Round(time.Minute))
		}
		return st
	}

	// Never uploaded. Discovery and initialization legitimately take a
	// while on a cold multi-terabyte library; require both a long uptime
	// and a silent log before calling it stuck.
	if p.Status == progress.StatusInitializing || p.Status == progress.StatusDiscovering {
		uptime := now.Sub(p.StartedAt)
		if uptime <= s.cfg.DiscoveryUptime {
			return st
		}
		if s.logsShowProgress(shardID, s.cfg.DiscoverySilence) {
			return st
		}
		if now.Sub(p.LastActivityAt) <= s.cfg.DiscoverySilence {
			return st
		}
		st.Stuck = true
		st.Reason = fmt.Sprintf("in %s for %s with no progress signals", p.Status, uptime.Round(time.Minute))
		return st
	}

	if since := now.Sub(p.LastActivityAt); since > s.cfg.StuckThreshold {
		st.Stuck = true
		st.Reason = fmt.Sprintf("no activity for %s", since.Round(time.Minute))
	}
	return st
}

// logsShowProgress reports whether the worker's recent log tail contains
// any progress signal newer than the silence window. Timestamps inside the
// log are not parsed; a signal in the tail of an actively written log is
// treated as recent.
func (s *Supervisor) logsShowProgress(shardID int, window time.Duration) bool {
	path := s.home.WorkerLogPath(shardID)
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	// A log that has not been written to in the whole window cannot
	// contain a recent signal.
	if time.Since(info.ModTime()) > window {
		return false
	}
	return progressSignals.MatchString(s.readLogTail(shardID))
}

// readLogTail returns roughly the last logTailLines lines of a worker log.
func (s *Supervisor) readLogTail(shardID int) string {
	path := s.home.WorkerLogPath(shardID)
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	// Approximate 200 bytes per line.
	const approx = int64(logTailLines * 200)
	offset := info.Size() - approx
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && len(buf) == 0 {
		return ""
	}

	lines := strings.Split(string(buf), "\n")
	if len(lines) > logTailLines {
		lines = lines[len(lines)-logTailLines:]
	}
	return strings.Join(lines, "\n")
}

// collectDiagnostics builds the oracle evidence bundle for a stuck worker.
func (s *Supervisor) collectDiagnostics(st workerState, diskUtil float64) oracle.Diagnostics {
	logs := s.readLogTail(st.ShardID)

	var tags []string
	seen := map[string]struct{}{}
	for _, re := range errorPatterns {
		for _, m := range re.FindAllString(logs, 5) {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			tags = append(tags, m)
		}
	}
	// Recent record-level errors from the progress file carry reasons the
	// log may have rotated away.
	for i, e := range st.Prog.Errors {
		if i >= 5 {
			break
		}
		tags = append(tags, e.Reason)
	}

	keyRange := "unknown"
	if m := keyRangeRe.FindAllStringSubmatch(logs, -1); len(m) > 0 {
		keyRange = "shard key > " + m[len(m)-1][3]
	} else if st.Prog.LastProcessedKey > 0 {
		keyRange = fmt.Sprintf("shard key > %d", st.Prog.LastProcessedKey)
	}

	minutesStuck := 0
	if st.Prog.LastUploadedAt != nil {
		minutesStuck = int(time.Since(*st.Prog.LastUploadedAt).Minutes())
	} else {
		minutesStuck = int(time.Since(st.Prog.LastActivityAt).Minutes())
	}

	lastUpload := ""
	if st.Prog.LastUploadedAt != nil {
		lastUpload = st.Prog.LastUploadedAt.Format(time.RFC3339)
	}

	d := oracle.Diagnostics{
		WorkerID:        st.ShardID,
		MinutesStuck:    minutesStuck,
		LastUpload:      lastUpload,
		KeyRange:        keyRange,
		ErrorTags:       tags,
		Status:          string(st.Prog.Status),
		Logs:            logs,
		DiskUtilization: diskUtil,
		DiskSaturated:   diskUtil >= s.cfg.DiskHighWater,
	}

	if s.tailer != nil {
		if targetLogs, err := s.tailer.TailLogs(context.Background(), 100); err == nil {
			d.TargetLogs = targetLogs
		} else {
			s.logger.Debug("target log tail unavailable", "error", err)
		}
	}

	// When the same key range keeps repeating, hand the oracle the catalog
	// iteration source so a code recommendation has something to patch.
	repeating := false
	if m := keyRangeRe.FindAllStringSubmatch(logs, -1); len(m) >= 2 {
		repeating = m[len(m)-1][3] == m[len(m)-2][3]
	}
	if repeating && s.cfg.PatchTargetFile != "" {
		if src, err := os.ReadFile(s.cfg.PatchTargetFile); err == nil {
			d.CodeSnippets = map[string]string{"catalog iteration": string(src)}
		}
	}
	return d
}

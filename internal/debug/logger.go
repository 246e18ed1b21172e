package debug

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger writes one directory per streamed request under Base. A disabled Logger is a no-op,
// so callers never check.
type Logger struct {
	enabled    bool
	sseEnabled bool
	dir        string
	rawFile    *os.File
	outFile    *os.File
	mu         sync.Mutex
	startTime  time.Time
}

// Base is the root of all debug directories.
var Base = "debug-logs"

// maxKeep bounds how many request directories survive a cleanup.
const maxKeep = 50

// New creates the request directory when enabled.
func New(enabled bool, sseEnabled bool) *Logger {
	if !enabled {
		return &Logger{enabled: false}
	}

	name := time.Now().Format("2006-01-02_15-04-05") + "_" + uuid.NewString()[:8]
	dir := filepath.Join(Base, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &Logger{enabled: false}
	}
	cleanupOldDirs(Base, maxKeep)

	return &Logger{
		enabled:    true,
		sseEnabled: sseEnabled,
		dir:        dir,
		startTime:  time.Now(),
	}
}

// CleanupAllLogs removes every debug directory (called at startup).
func CleanupAllLogs() {
	os.RemoveAll(Base)
	os.MkdirAll(Base, 0755)
}

func (l *Logger) Dir() string {
	if !l.enabled {
		return ""
	}
	return l.dir
}

// LogIncomingRequest records the chat request body.
func (l *Logger) LogIncomingRequest(req interface{}) {
	if !l.enabled {
		return
	}
	l.writeJSON("1_chat_request.json", req)
}

// LogPrompt records the prompt turns as Markdown.
func (l *Logger) LogPrompt(turns []PromptTurn) {
	if !l.enabled {
		return
	}
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", t.Role, t.Content)
	}
	l.writeFile("2_prompt.md", b.String())
}

// PromptTurn is the role/content pair shown in 2_prompt.md.
type PromptTurn struct {
	Role    string
	Content string
}

// LogUpstreamEvent appends one agent event as JSON.
func (l *Logger) LogUpstreamEvent(kind string, v interface{}) {
	if !l.enabled || !l.sseEnabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rawFile == nil {
		f, err := os.OpenFile(filepath.Join(l.dir, "3_upstream_events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return
		}
		l.rawFile = f
	}

	elapsed := time.Since(l.startTime).Milliseconds()
	fmt.Fprintf(l.rawFile, "[%dms] %s: %s\n", elapsed, kind, compactJSON(v))
}

// LogOutputFrame appends one frame payload written to the client.
func (l *Logger) LogOutputFrame(frameType string, v interface{}) {
	if !l.enabled || !l.sseEnabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.outFile == nil {
		f, err := os.OpenFile(filepath.Join(l.dir, "4_client_frames.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return
		}
		l.outFile = f
	}

	elapsed := time.Since(l.startTime).Milliseconds()
	fmt.Fprintf(l.outFile, "[%dms] %s: %s\n", elapsed, frameType, compactJSON(v))
}

// LogSummary records how the stream ended.
func (l *Logger) LogSummary(frames int, duration time.Duration, outcome string) {
	if !l.enabled {
		return
	}

	summary := map[string]interface{}{
		"frames":      frames,
		"duration_ms": duration.Milliseconds(),
		"outcome":     outcome,
	}
	l.writeJSON("5_summary.json", summary)
}

func (l *Logger) Close() {
	if !l.enabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rawFile != nil {
		l.rawFile.Close()
		l.rawFile = nil
	}
	if l.outFile != nil {
		l.outFile.Close()
		l.outFile = nil
	}
}

func (l *Logger) writeJSON(filename string, data interface{}) {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return
	}
	os.WriteFile(filepath.Join(l.dir, filename), jsonData, 0644)
}

func compactJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%q", fmt.Sprint(v))
	}
	return string(b)
}

func (l *Logger) writeFile(filename string, content string) {
	os.WriteFile(filepath.Join(l.dir, filename), []byte(content), 0644)
}

func cleanupOldDirs(basePath string, keep int) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		return
	}

	var dirs []os.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e)
		}
	}

	if len(dirs) <= keep {
		return
	}

	// names start with a timestamp, newest sorts last
	sort.Slice(dirs, func(i, j int) bool {
		return dirs[i].Name() > dirs[j].Name()
	})

	for i := keep; i < len(dirs); i++ {
		os.RemoveAll(filepath.Join(basePath, dirs[i].Name()))
	}
}

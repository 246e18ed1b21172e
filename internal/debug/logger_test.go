package debug

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDisabledLoggerIsNoop(t *testing.T) {
	l := New(false, true)
	l.LogIncomingRequest(map[string]string{"message": "hi"})
	l.LogOutputFrame("chunk", map[string]string{"type": "chunk"})
	l.Close()
	if l.Dir() != "" {
		t.Fatalf("disabled logger must not have a directory")
	}
}

func TestLoggerWritesRequestFiles(t *testing.T) {
	old := Base
	Base = t.TempDir()
	defer func() { Base = old }()

	l := New(true, true)
	defer l.Close()

	l.LogIncomingRequest(map[string]string{"message": "hello"})
	l.LogPrompt([]PromptTurn{{Role: "system", Content: "be helpful"}, {Role: "user", Content: "hello"}})
	l.LogUpstreamEvent("text-delta", map[string]string{"text": "Hi"})
	l.LogOutputFrame("chunk", map[string]string{"type": "chunk", "content": "Hi"})
	l.LogSummary(3, 25*time.Millisecond, "done")
	l.Close()

	for _, name := range []string{"1_chat_request.json", "2_prompt.md", "3_upstream_events.jsonl", "4_client_frames.jsonl", "5_summary.json"} {
		if _, err := os.Stat(filepath.Join(l.Dir(), name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	prompt, _ := os.ReadFile(filepath.Join(l.Dir(), "2_prompt.md"))
	if !strings.Contains(string(prompt), "## user\n\nhello") {
		t.Fatalf("prompt file=%q", prompt)
	}
}

func TestCleanupOldDirsKeepsNewest(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"2024-01-01_00-00-00", "2024-01-02_00-00-00", "2024-01-03_00-00-00"} {
		os.MkdirAll(filepath.Join(base, name), 0755)
	}
	cleanupOldDirs(base, 2)
	entries, _ := os.ReadDir(base)
	if len(entries) != 2 || entries[0].Name() != "2024-01-02_00-00-00" {
		t.Fatalf("unexpected entries: %v", entries)
	}
}

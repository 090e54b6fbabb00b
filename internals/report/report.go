package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/agentforge/deskrun/internals/attempt"
	"github.com/agentforge/deskrun/internals/failure"
	"github.com/agentforge/deskrun/internals/metrics"
	"github.com/agentforge/deskrun/internals/term"
)

const previewLines = 30

var (
	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	styleLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(20)
	stylePass  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	styleFail  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleRule  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var troubleshooting = []string{
	"Check Ollama is running:  ollama ps",
	"Check model is loaded:    curl <ollama-url>/api/tags",
	"Restart Ollama:           ollama stop && ollama serve",
	"Try --no-warmup if warm-up itself is hanging",
	"Try --edit-format whole to avoid SEARCH/REPLACE issues",
	"Try --mode agent for better multi-step handling",
}

// Summary is everything the final report shows.
type Summary struct {
	Succeeded    bool
	Completed    bool
	TotalElapsed time.Duration
	LastTaskID   string
	TargetFile   string
	FileExists   bool
	Chunks       int
	MaxAttempts  int
	Attempts     []attempt.Result
	Phases       []metrics.Phase
	OllamaURL    string
}

func Render(w io.Writer, s Summary) error {
	var b strings.Builder
	rule := styleRule.Render(strings.Repeat("=", 70))

	b.WriteString("\n" + rule + "\n")
	b.WriteString(styleTitle.Render("  FINAL RESULTS") + "\n")
	b.WriteString(rule + "\n")

	row(&b, "Total elapsed", fmt.Sprintf("%.1fs", s.TotalElapsed.Seconds()))
	row(&b, "Task ID", valueOr(s.LastTaskID, "none"))
	row(&b, "Completed signal", fmt.Sprint(s.Completed))
	if s.TargetFile != "" {
		row(&b, "File created", fmt.Sprint(s.FileExists))
	}
	row(&b, "Chunks received", fmt.Sprint(s.Chunks))

	if len(s.Attempts) > 0 {
		b.WriteString("\n  Attempts:\n")
		for _, a := range s.Attempts {
			b.WriteString("    " + attemptLine(a) + "\n")
		}
	}

	if len(s.Phases) > 0 {
		b.WriteString("\n  Phase timing (seconds):\n")
		for _, p := range s.Phases {
			fmt.Fprintf(&b, "    %-20s %8.2fs\n", p.Name, p.Seconds)
		}
	}
	b.WriteString("\n")

	if s.Succeeded {
		b.WriteString(stylePass.Render("Prompt processed successfully.") + "\n")
		if s.TargetFile != "" && s.FileExists {
			b.WriteString(preview(s.TargetFile))
		}
	} else {
		b.WriteString(styleFail.Render(fmt.Sprintf("All %d attempts failed.", s.MaxAttempts)) + "\n\n")
		b.WriteString("  Troubleshooting:\n")
		for i, hint := range troubleshooting {
			if s.OllamaURL != "" {
				hint = strings.ReplaceAll(hint, "<ollama-url>", strings.TrimRight(s.OllamaURL, "/"))
			}
			fmt.Fprintf(&b, "    %d. %s\n", i+1, hint)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func row(b *strings.Builder, label, value string) {
	b.WriteString("  " + styleLabel.Render(label+":") + " " + value + "\n")
}

func attemptLine(a attempt.Result) string {
	status := stylePass.Render(string(a.State))
	if !a.Succeeded() {
		status = styleFail.Render(string(a.State))
	}
	line := fmt.Sprintf("#%d %s after %.1fs, %d chunks", a.Number, status, a.Elapsed.Seconds(), a.Chunks)
	if a.Reason != "" {
		line += fmt.Sprintf(", reason=%s %s", a.Reason, styleDim.Render("("+failure.Hint(a.Reason)+")"))
	}
	if a.Err != nil {
		line += ", " + styleDim.Render(a.Err.Error())
	}
	return line
}

func preview(path string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n--- %s (first %d lines) ---\n", term.FileLink(filepath.Base(path), path), previewLines)
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(&b, "  could not read file: %v\n", err)
		return b.String()
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for i := 0; i < previewLines && scanner.Scan(); i++ {
		b.WriteString("  " + scanner.Text() + "\n")
	}
	return b.String()
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

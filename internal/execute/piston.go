package execute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/manpreetbhatti/codehive/internal/language"
)

const (
	DefaultPistonURL = "https://emkc.org/api/v2/piston"

	pistonStageTimeoutMs = 30000
	noOutput             = "(no output)"
)

var (
	lineColumnPattern = regexp.MustCompile(`:(\d+):(\d+)`)
	linePattern       = regexp.MustCompile(`line (\d+)`)
)

// PistonClient submits programs to a Piston execution API
type PistonClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ Sandbox = (*PistonClient)(nil)

func NewPistonClient(baseURL string, timeout time.Duration) *PistonClient {
	if baseURL == "" {
		baseURL = DefaultPistonURL
	}
	return &PistonClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type pistonFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type pistonRequest struct {
	Language           string       `json:"language"`
	Version            string       `json:"version"`
	Files              []pistonFile `json:"files"`
	Stdin              string       `json:"stdin"`
	CompileTimeout     int          `json:"compile_timeout"`
	RunTimeout         int          `json:"run_timeout"`
	CompileMemoryLimit int          `json:"compile_memory_limit"`
	RunMemoryLimit     int          `json:"run_memory_limit"`
}

type pistonStage struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Output string `json:"output"`
	Code   *int   `json:"code"`
	Signal string `json:"signal"`
}

type pistonResponse struct {
	Message string       `json:"message"`
	Run     pistonStage  `json:"run"`
	Compile *pistonStage `json:"compile"`
}

// Run submits code as a single file main.<ext> and returns the normalized output
func (c *PistonClient) Run(ctx context.Context, lang language.Language, code string) (string, error) {
	payload, err := json.Marshal(pistonRequest{
		Language:           lang.SandboxID(),
		Version:            "*",
		Files:              []pistonFile{{Name: "main." + lang.Extension(), Content: code}},
		CompileTimeout:     pistonStageTimeoutMs,
		RunTimeout:         pistonStageTimeoutMs,
		CompileMemoryLimit: -1,
		RunMemoryLimit:     -1,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var result pistonResponse
	if err := json.Unmarshal(body, &result); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return "", fmt.Errorf("parse response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := result.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}

	return normalizeOutput(code, result), nil
}

// normalizeOutput prefers stdout, then an annotated stderr, then the
// combined output field. Stderr goes before output because output already
// contains stderr, and reading it first would lose the line annotation.
func normalizeOutput(code string, res pistonResponse) string {
	if out := strings.TrimSpace(res.Run.Stdout); out != "" {
		return out
	}

	stderr := res.Run.Stderr
	if strings.TrimSpace(stderr) == "" && res.Compile != nil {
		stderr = res.Compile.Stderr
	}
	if strings.TrimSpace(stderr) != "" {
		return "❌ Error:\n" + annotateError(stderr, code)
	}

	if out := strings.TrimSpace(res.Run.Output); out != "" {
		return out
	}
	return noOutput
}

// annotateError appends the offending source line and a caret when the
// error text names a line (and column) inside code
func annotateError(stderr, code string) string {
	line, col := 0, 0
	if m := lineColumnPattern.FindStringSubmatch(stderr); m != nil {
		line, _ = strconv.Atoi(m[1])
		col, _ = strconv.Atoi(m[2])
	} else if m := linePattern.FindStringSubmatch(stderr); m != nil {
		line, _ = strconv.Atoi(m[1])
	}

	lines := strings.Split(code, "\n")
	if line <= 0 || line > len(lines) {
		return stderr
	}

	src := lines[line-1]
	var b strings.Builder
	b.WriteString(strings.TrimRight(stderr, "\n"))
	if col > 0 {
		fmt.Fprintf(&b, "\n📌 Line %d, Column %d\n➡️ %s\n   %s^", line, col, src, strings.Repeat(" ", col-1))
	} else {
		fmt.Fprintf(&b, "\n📌 Line %d\n➡️ %s", line, src)
	}
	return b.String()
}

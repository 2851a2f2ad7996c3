package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultAPIBase = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	sentinelAPIKey = "your-api-key-here"
)

// config is the resolver's LLM API configuration, loaded from the
// first of two well-known paths.
type config struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base"`
	Model   string `json:"model"`
}

func loadConfig() (config, error) {
	home, _ := os.UserHomeDir()
	paths := []string{
		"llm_config.json",
		filepath.Join(home, ".deet_llm_config.json"),
	}

	var raw []byte
	var usedPath string
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err == nil {
			raw = b
			usedPath = p
			break
		}
		if !os.IsNotExist(err) {
			return config{}, fmt.Errorf("read config %s: %w", p, err)
		}
	}
	if raw == nil {
		return config{}, fmt.Errorf("no LLM config file found at ./llm_config.json or ~/.deet_llm_config.json")
	}

	var cfg config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return config{}, fmt.Errorf("parse config %s: %w", usedPath, err)
	}
	if cfg.APIKey == "" || cfg.APIKey == sentinelAPIKey {
		return config{}, fmt.Errorf("config %s: missing or placeholder api_key", usedPath)
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return cfg, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// resolveRemote sends text with a DWARF-context system prompt to the
// configured chat-completions endpoint and decodes the assistant's
// answer into a Spec. Mirrors llm.rs's parse_natural_breakpoint.
func resolveRemote(ctx context.Context, text string, catalog FunctionCatalog) (Spec, error) {
	cfg, err := loadConfig()
	if err != nil {
		return Spec{}, err
	}

	req := chatRequest{
		Model: cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(catalog)},
			{Role: "user", Content: text},
		},
		Temperature: 0.0,
		MaxTokens:   150,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Spec{}, fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(cfg.APIBase, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Spec{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Spec{}, fmt.Errorf("LLM API request failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Spec{}, fmt.Errorf("decode LLM response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Spec{}, fmt.Errorf("LLM response had no choices")
	}

	content := parsed.Choices[0].Message.Content
	jsonStr := extractJSON(content)

	return decodeSpecJSON(jsonStr, content)
}

func systemPrompt(catalog FunctionCatalog) string {
	var b strings.Builder
	b.WriteString("You are a debugger breakpoint resolver. The user describes, in free-form " +
		"text, where they want a breakpoint. Respond with exactly one JSON object, no " +
		"surrounding text, in one of these three shapes:\n" +
		`{"type": "line", "file": "name-or-null", "line": N}` + "\n" +
		`{"type": "function", "name": "fn"}` + "\n" +
		`{"type": "address", "addr": "0xHEX"}` + "\n\n" +
		"Known functions:\n")
	for _, fn := range catalog.Functions() {
		fmt.Fprintf(&b, "- %s (%s:%d)\n", fn.Name, fn.File, fn.Line)
	}
	b.WriteString("Known source files:\n")
	for _, f := range catalog.Files() {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return b.String()
}

// extractJSON unwraps an LLM answer that may be fenced in ```json ...```
// or ``` ...``` or given bare, in that priority order — matching
// llm.rs's extract_json exactly.
func extractJSON(content string) string {
	trimmed := strings.TrimSpace(content)

	if start := strings.Index(trimmed, "```json"); start != -1 {
		after := trimmed[start+len("```json"):]
		if end := strings.Index(after, "```"); end != -1 {
			return strings.TrimSpace(after[:end])
		}
	}

	if start := strings.Index(trimmed, "```"); start != -1 {
		after := trimmed[start+3:]
		if end := strings.Index(after, "```"); end != -1 {
			return strings.TrimSpace(after[:end])
		}
	}

	if start := strings.IndexByte(trimmed, '{'); start != -1 {
		if end := strings.LastIndexByte(trimmed, '}'); end != -1 && end >= start {
			return trimmed[start : end+1]
		}
	}

	return trimmed
}

func decodeSpecJSON(jsonStr, original string) (Spec, error) {
	var raw struct {
		Type string `json:"type"`
		File *string
		Line *int64
		Name *string
		Addr *string
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return Spec{}, fmt.Errorf("parse LLM breakpoint JSON: %w (raw: %s)", err, original)
	}

	switch raw.Type {
	case "line":
		if raw.Line == nil {
			return Spec{}, fmt.Errorf("LLM line spec missing line number")
		}
		return Spec{Kind: ByLine, File: raw.File, Line: int(*raw.Line)}, nil
	case "function":
		if raw.Name == nil || *raw.Name == "" {
			return Spec{}, fmt.Errorf("LLM function spec missing name")
		}
		return Spec{Kind: ByFunction, Name: *raw.Name}, nil
	case "address":
		if raw.Addr == nil {
			return Spec{}, fmt.Errorf("LLM address spec missing addr")
		}
		addr, ok := parseHexAddr(*raw.Addr)
		if !ok {
			return Spec{}, fmt.Errorf("LLM address spec invalid hex: %s", *raw.Addr)
		}
		return Spec{Kind: ByAddress, Addr: addr}, nil
	default:
		return Spec{}, fmt.Errorf("LLM returned unknown breakpoint type %q (raw: %s)", raw.Type, original)
	}
}

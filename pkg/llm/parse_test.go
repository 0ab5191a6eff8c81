package llm

import (
	"errors"
	"strings"
	"testing"
)

func TestCleanJSONResponse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n[1,2]\n```", `[1,2]`},
		{"prose around fence", "Here you go:\n```json\n{\"a\":1}\n```\nThanks", `{"a":1}`},
		{"whitespace", "  {\"a\":1}\n\n", `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanJSONResponse(tt.input); got != tt.expected {
				t.Errorf("CleanJSONResponse() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParseJSONObject(t *testing.T) {
	var out map[string]string
	if err := ParseJSONObject("Sure! {\"resource_group\": \"Name of the group\"} hope it helps", &out); err != nil {
		t.Fatalf("ParseJSONObject() error = %v", err)
	}
	if out["resource_group"] != "Name of the group" {
		t.Errorf("unexpected value: %v", out)
	}

	err := ParseJSONObject("no json here", &out)
	var perr *JSONParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected JSONParseError, got %v", err)
	}
}

func TestExtractJSONArray(t *testing.T) {
	type item struct {
		ID string `json:"id"`
	}

	items, err := ExtractJSONArray[item]("```json\n[{\"id\":\"t1\"},{\"id\":\"t2\"}]\n```")
	if err != nil {
		t.Fatalf("ExtractJSONArray() error = %v", err)
	}
	if len(items) != 2 || items[1].ID != "t2" {
		t.Errorf("unexpected items: %+v", items)
	}

	cmds, err := ExtractJSONArray[string]("commands: [\"az group create\", \"az vm create\"] done")
	if err != nil {
		t.Fatalf("ExtractJSONArray() error = %v", err)
	}
	if len(cmds) != 2 {
		t.Errorf("expected 2 commands, got %d", len(cmds))
	}

	if _, err := ExtractJSONArray[string]("nothing"); err == nil {
		t.Error("expected error for response without array")
	}
}

func TestExtractCodeBlock(t *testing.T) {
	resp := "Thought: list files\n```python\nprint('hi')\n```"
	if got := ExtractCodeBlock(resp); got != "print('hi')" {
		t.Errorf("ExtractCodeBlock() = %q", got)
	}
	if got := ExtractCodeBlock("no code"); got != "" {
		t.Errorf("expected empty block, got %q", got)
	}
}

func TestTruncateForError(t *testing.T) {
	long := strings.Repeat("x", 300)
	got := TruncateForError(long, 10)
	if got != strings.Repeat("x", 10)+"..." {
		t.Errorf("TruncateForError() = %q", got)
	}
	if got := TruncateForError("short", 10); got != "short" {
		t.Errorf("TruncateForError() = %q", got)
	}
}

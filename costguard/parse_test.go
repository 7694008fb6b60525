package costguard

import (
	"testing"
)

func TestExtractJSONFromProse(t *testing.T) {
	text := `Sure! Based on the vault state I recommend:

{"amount": 250, "reasoning": "debt is 2x balance, repay the {safe} minimum"}

Let me know if you need anything else.`
	var out struct {
		Amount    int64  `json:"amount"`
		Reasoning string `json:"reasoning"`
	}
	if err := DecodeInto(text, &out); err != nil {
		t.Fatalf("DecodeInto: %v", err)
	}
	if out.Amount != 250 {
		t.Fatalf("amount = %d, want 250", out.Amount)
	}
	if out.Reasoning == "" {
		t.Fatalf("reasoning lost")
	}
}

func TestExtractJSONBracesInsideStrings(t *testing.T) {
	text := `{"note": "a \"quoted\" brace } inside", "ok": true}`
	raw, err := ExtractJSON(text)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if string(raw) != text {
		t.Fatalf("raw = %s", raw)
	}
}

func TestExtractJSONMarkdownFence(t *testing.T) {
	text := "```json\n{\"accept\": false}\n```"
	var out struct {
		Accept bool `json:"accept"`
	}
	if err := DecodeInto(text, &out); err != nil {
		t.Fatalf("DecodeInto: %v", err)
	}
	if out.Accept {
		t.Fatalf("accept = true, want false")
	}
}

func TestExtractJSONArray(t *testing.T) {
	raw, err := ExtractJSON("here you go: [1, 2, 3] done")
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if string(raw) != "[1, 2, 3]" {
		t.Fatalf("raw = %s", raw)
	}
}

func TestExtractJSONNoPayload(t *testing.T) {
	if _, err := ExtractJSON("no structured data here"); err != ErrNoJSON {
		t.Fatalf("err = %v, want ErrNoJSON", err)
	}
}

func TestExtractJSONSkipsUnbalancedPrefix(t *testing.T) {
	raw, err := ExtractJSON(`broken { then good {"x": 1}`)
	if err != nil {
		t.Fatalf("ExtractJSON: %v", err)
	}
	if string(raw) != `{"x": 1}` {
		t.Fatalf("raw = %s", raw)
	}
}

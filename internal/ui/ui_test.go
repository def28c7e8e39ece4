package ui

import (
	"strings"
	"testing"
)

func TestRenderFields(t *testing.T) {
	out := RenderFields([]Field{
		{Label: "Offset", Value: "1024"},
		{Label: "Segments", Value: "3"},
	})

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "Offset:") || !strings.HasSuffix(lines[0], "1024") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "3") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestRenderKeepsText(t *testing.T) {
	for _, render := range []func(string) string{RenderAccent, RenderPass, RenderWarn, RenderFail, RenderMuted} {
		if !strings.Contains(render("ok"), "ok") {
			t.Error("rendered text lost its content")
		}
	}
}

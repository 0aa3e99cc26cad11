package prompt

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestBuild_EmptyHistoryIsVerbatim(t *testing.T) {
	got := Build(nil, "2+2?", nil)
	if got != "2+2?" {
		t.Errorf("Build() = %q, want %q", got, "2+2?")
	}
}

func TestBuild_WithHistory(t *testing.T) {
	history := []Turn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}

	got := Build(history, "how are you?", nil)
	want := "Conversation history:\n\n" +
		"Human: hi\n\n" +
		"Assistant: hello\n\n" +
		"Human: how are you?\n\n" +
		"Respond to my latest message."
	if got != want {
		t.Errorf("Build() =\n%q\nwant\n%q", got, want)
	}
}

func TestBuild_SystemLabel(t *testing.T) {
	got := RenderHistory([]Turn{{Role: "system", Content: "be brief"}})
	if got != "System: be brief" {
		t.Errorf("RenderHistory() = %q", got)
	}
}

func TestBuild_Attachments(t *testing.T) {
	tests := []struct {
		name    string
		history []Turn
		want    string
	}{
		{
			name: "no history",
			want: "read this\n\nAttached files:\n- /tmp/a.txt\n- /tmp/b.png",
		},
		{
			name:    "with history",
			history: []Turn{{Role: "user", Content: "x"}},
			want: "Conversation history:\n\nHuman: x\n\nHuman: read this\n\nRespond to my latest message." +
				"\n\nAttached files:\n- /tmp/a.txt\n- /tmp/b.png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Build(tt.history, "read this", []string{"/tmp/a.txt", "/tmp/b.png"})
			if got != tt.want {
				t.Errorf("Build() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	short := strings.Repeat("a", MaxMessageChars)
	if got := Truncate(short); got != short {
		t.Error("content at the limit should not be truncated")
	}

	long := strings.Repeat("b", MaxMessageChars+1)
	got := Truncate(long)
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Errorf("expected truncation marker, got suffix %q", got[len(got)-20:])
	}
	if n := utf8.RuneCountInString(got); n != MaxMessageChars+len(TruncationMarker) {
		t.Errorf("truncated length = %d, want %d", n, MaxMessageChars+len(TruncationMarker))
	}
}

func TestTruncate_CountsCharactersNotBytes(t *testing.T) {
	s := strings.Repeat("é", MaxMessageChars)
	if got := Truncate(s); got != s {
		t.Error("multi-byte content at the character limit should not be truncated")
	}
}

func TestBuild_Deterministic(t *testing.T) {
	history := []Turn{
		{Role: "user", Content: strings.Repeat("q", 5000)},
		{Role: "assistant", Content: "answer"},
	}
	first := Build(history, "next", []string{"/x"})
	for i := 0; i < 10; i++ {
		if got := Build(history, "next", []string{"/x"}); got != first {
			t.Fatalf("Build() not deterministic on call %d", i)
		}
	}
}

func TestRenderHistory_Bounded(t *testing.T) {
	const labelOverhead = len("Assistant: ") + len(TruncationMarker) + len("\n\n")

	history := make([]Turn, 0, 6)
	for i := 0; i < 6; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		history = append(history, Turn{Role: role, Content: strings.Repeat("z", 10000)})
	}

	got := RenderHistory(history)
	limit := len(history) * (MaxMessageChars + labelOverhead)
	if len(got) > limit {
		t.Errorf("rendered history is %d chars, want <= %d", len(got), limit)
	}
}

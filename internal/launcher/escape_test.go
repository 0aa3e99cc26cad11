package launcher

import (
	"errors"
	"os/exec"
	"testing"
)

func TestEscapeForShell(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "hello world", want: "hello world"},
		{name: "backslash", in: `a\b`, want: `a\\b`},
		{name: "double quote", in: `say "hi"`, want: `say \"hi\"`},
		{name: "backtick", in: "run `ls`", want: "run \\`ls\\`"},
		{name: "dollar", in: "$HOME", want: `\$HOME`},
		{name: "exclamation", in: "wow!", want: `wow"'!'"`},
		{name: "newline", in: "a\nb", want: "a\"'\n'\"b"},
		{name: "single quote untouched", in: "it's", want: "it's"},
		{name: "empty", in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EscapeForShell(tt.in); got != tt.want {
				t.Errorf("EscapeForShell(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// The escaped word must survive a real shell unchanged.
func TestEscapeForShell_RoundTripThroughShell(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	inputs := []string{
		"plain text",
		`back\slash and \\ double`,
		`"quoted" and 'single'`,
		"`whoami` $(id) ${HOME} $PATH",
		"bang! !! !$ history",
		"line one\nline two\n\nline four",
		"tab\tseparated",
		"mixed: \"$x\" `y` \\n !z\n'end'",
		"unicode: héllo wörld 日本",
	}

	for _, in := range inputs {
		out, err := exec.Command(sh, "-c", "printf '%s' "+ShellQuote(in)).Output()
		if err != nil {
			t.Fatalf("sh failed for %q: %v", in, err)
		}
		if string(out) != in {
			t.Errorf("round trip mismatch:\n in: %q\nout: %q", in, string(out))
		}
	}
}

func TestValidatePrompt(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "plain", in: "hello"},
		{name: "whitespace controls allowed", in: "a\tb\r\nc"},
		{name: "nul rejected", in: "a\x00b", wantErr: true},
		{name: "escape rejected", in: "\x1b[31mred", wantErr: true},
		{name: "delete rejected", in: "x\x7f", wantErr: true},
		{name: "bell rejected", in: "\a", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePrompt(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePrompt(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil {
				var escErr *EscapeError
				if !errors.As(err, &escErr) {
					t.Errorf("expected *EscapeError, got %T", err)
				}
			}
		})
	}
}

func TestValidatePrompt_ReportsOffset(t *testing.T) {
	err := ValidatePrompt("abc\x01")
	var escErr *EscapeError
	if !errors.As(err, &escErr) {
		t.Fatalf("expected *EscapeError, got %v", err)
	}
	if escErr.Offset != 3 || escErr.Char != 0x01 {
		t.Errorf("got offset %d char %U, want 3 U+0001", escErr.Offset, escErr.Char)
	}
}

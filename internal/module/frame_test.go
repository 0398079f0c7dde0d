package module

import (
	"reflect"
	"testing"
)

func TestCleanFrame(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "a|B|c", "a|B|c"},
		{"trailing crlf", "a|B|c\r\n", "a|B|c"},
		{"stray lead byte", "\xc2a|B|c", "a|B|c"},
		{"only noise", "\r\n\xc2\r\n", ""},
		{"lone newline kept", "a\nb", "a\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(CleanFrame([]byte(tt.in))); got != tt.want {
				t.Errorf("CleanFrame(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParsePcomms(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  []string
	}{
		{"ordered", "START|GET_PCOMMS", []string{"START", "GET_PCOMMS"}},
		{"whitespace and blanks", " START || STOP \r\n", []string{"START", "STOP"}},
		{"duplicates", "A|B|A", []string{"A", "B"}},
		{"empty", "", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParsePcomms([]byte(tt.reply)); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParsePcomms(%q) = %v, want %v", tt.reply, got, tt.want)
			}
		})
	}
}

func TestEncodeCommand(t *testing.T) {
	if got := string(EncodeCommand("START", "{}")); got != "START|{}" {
		t.Errorf("EncodeCommand() = %q, want %q", got, "START|{}")
	}
}

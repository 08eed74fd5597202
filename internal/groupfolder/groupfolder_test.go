package groupfolder

import "testing"

func TestValid(t *testing.T) {
	tests := []struct {
		name   string
		folder string
		want   bool
	}{
		{name: "plain", folder: "main", want: true},
		{name: "dashes and digits", folder: "team-42", want: true},
		{name: "underscores", folder: "other_group", want: true},
		{name: "mixed case", folder: "TeamAlpha", want: true},
		{name: "empty", folder: "", want: false},
		{name: "parent traversal", folder: "../../outside", want: false},
		{name: "embedded dotdot", folder: "a..b", want: false},
		{name: "forward slash", folder: "a/b", want: false},
		{name: "backslash", folder: `a\b`, want: false},
		{name: "absolute path", folder: "/etc", want: false},
		{name: "dot", folder: "a.b", want: false},
		{name: "space", folder: "a b", want: false},
		{name: "unicode", folder: "grüppe", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Valid(tt.folder); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.folder, got, tt.want)
			}
		})
	}
}

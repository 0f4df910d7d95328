package store

import "testing"

func TestParseTokenNumber(t *testing.T) {
	cases := []struct {
		department string
		token      string
		want       int64
		ok         bool
	}{
		{"GM", "GM-101", 101, true},
		{"GM", FormatToken("GM", 7), 7, true},
		{"A-B", "A-B-12", 12, true},
		{"G", "GM-101", 0, false},
		{"GM", "GM-", 0, false},
		{"GM", "GM-x1", 0, false},
	}
	for _, tt := range cases {
		got, ok := ParseTokenNumber(tt.department, tt.token)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("ParseTokenNumber(%q, %q) = %d, %v; want %d, %v", tt.department, tt.token, got, ok, tt.want, tt.ok)
		}
	}
}

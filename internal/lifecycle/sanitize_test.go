package lifecycle

import "testing"

func TestSanitizePrescription(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"<script>x</script>Take meds", "Take meds"},
		{"<SCRIPT type=\"text/javascript\">alert(1)</SCRIPT> Rest", "Rest"},
		{"<b>Paracetamol</b> 500mg", "Paracetamol 500mg"},
		{"<style>p{}</style>Ibuprofen", "Ibuprofen"},
		{"Take 1 & 2 < 3 daily", "Take 1 & 2 < 3 daily"},
		{"", ""},
		{"  plain text  ", "plain text"},
	}
	for _, tt := range cases {
		if got := SanitizePrescription(tt.in); got != tt.want {
			t.Fatalf("SanitizePrescription(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

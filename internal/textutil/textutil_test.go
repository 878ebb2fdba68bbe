package textutil

import (
	"slices"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Paris", "paris"},
		{"  Capital   of\tFrance ", "capital of france"},
		{"ＡＢＣ", "abc"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTokens(t *testing.T) {
	got := Tokens("What is the capital of France?")
	want := []string{"what", "is", "the", "capital", "of", "france"}
	if !slices.Equal(got, want) {
		t.Errorf("Tokens() = %v, want %v", got, want)
	}
	if len(Tokens("?!")) != 0 {
		t.Error("punctuation-only input should yield no tokens")
	}
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"4", 4, true},
		{" 0.4333 ", 0.4333, true},
		{"1,000", 1000, true},
		{"12,345.5", 12345.5, true},
		{"0,5", 0.5, true},
		{"1 000", 1000, true},
		{"NaN", 0, false},
		{"45%", 45, true},
		{"-2.5", -2.5, true},
		{"four", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseNumber(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ParseNumber(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParsePoints(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"1pt", 1, true},
		{"4pts", 4, true},
		{"(2 pts)", 2, true},
		{"0.5 points", 0.5, true},
		{"3", 3, true},
		{"N/A", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParsePoints(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ParsePoints(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

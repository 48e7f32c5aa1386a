package payment

import (
	"errors"
	"testing"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in       string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{"10.50", 6, 10_500_000, false},
		{"0.000001", 6, 1, false},
		{"1", 0, 1, false},
		{"25", 2, 2500, false},
		{"0.0000001", 6, 0, true}, // more precision than the token carries
		{"0", 6, 0, true},
		{"-3", 6, 0, true},
		{"abc", 6, 0, true},
		{"18446744073709551616", 0, 0, true}, // one past uint64
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in, tc.decimals)
		if tc.wantErr {
			if !errors.Is(err, ErrAmountOutOfBounds) {
				t.Fatalf("ParseAmount(%q, %d): expected ErrAmountOutOfBounds, got %v", tc.in, tc.decimals, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseAmount(%q, %d): %v", tc.in, tc.decimals, err)
		}
		if got != tc.want {
			t.Fatalf("ParseAmount(%q, %d) = %d, want %d", tc.in, tc.decimals, got, tc.want)
		}
	}
}

func TestFormatAmountRoundTrip(t *testing.T) {
	cases := []struct {
		base     uint64
		decimals uint8
		want     string
	}{
		{10_500_000, 6, "10.5"},
		{1, 6, "0.000001"},
		{2500, 2, "25"},
		{0, 6, "0"},
	}
	for _, tc := range cases {
		if got := FormatAmount(tc.base, tc.decimals); got != tc.want {
			t.Fatalf("FormatAmount(%d, %d) = %q, want %q", tc.base, tc.decimals, got, tc.want)
		}
	}
}

func TestCents(t *testing.T) {
	cases := []struct {
		base     uint64
		decimals uint8
		want     int64
	}{
		{10_500_000, 6, 1050},
		{999_999, 6, 99}, // truncates toward zero
		{25, 2, 25},
		{3, 0, 300},
	}
	for _, tc := range cases {
		got, err := Cents(tc.base, tc.decimals)
		if err != nil {
			t.Fatalf("Cents(%d, %d): %v", tc.base, tc.decimals, err)
		}
		if got != tc.want {
			t.Fatalf("Cents(%d, %d) = %d, want %d", tc.base, tc.decimals, got, tc.want)
		}
	}
}

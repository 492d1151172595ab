package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  int
		want int
	}{
		{"", 10, 10},
		{"42", 0, 42},
		{"-13", 1, -13},
		{"0012", 99, 12},
		{"x", 5, 5},
		{" 42", 7, 7},
		{"999999999999999999999999", -1, -1},
	}

	for _, tc := range cases {
		if got := AtoiDefault(tc.s, tc.def); got != tc.want {
			t.Fatalf("AtoiDefault(%q, %d) = %d; want %d", tc.s, tc.def, got, tc.want)
		}
	}
}

func TestBoolDefault(t *testing.T) {
	if !BoolDefault("true", false) || !BoolDefault("1", false) || BoolDefault("false", true) {
		t.Fatalf("valid values must parse")
	}
	if !BoolDefault("", true) || BoolDefault("yes-please", false) {
		t.Fatalf("empty or malformed must return default")
	}
}

func TestClampPage(t *testing.T) {
	cases := []struct {
		page, size         string
		wantPage, wantSize int
	}{
		{"", "", 1, DefaultPageSize},
		{"0", "0", 1, 1},
		{"-3", "500", 1, MaxPageSize},
		{"4", "15", 4, 15},
		{"x", "y", 1, DefaultPageSize},
	}
	for _, tc := range cases {
		p, s := ClampPage(tc.page, tc.size)
		if p != tc.wantPage || s != tc.wantSize {
			t.Fatalf("ClampPage(%q, %q) = (%d, %d); want (%d, %d)", tc.page, tc.size, p, s, tc.wantPage, tc.wantSize)
		}
	}
}

func TestNewPagination(t *testing.T) {
	p := NewPagination(1, 20, 41)
	if p.TotalPages != 3 || !p.HasNext {
		t.Fatalf("unexpected: %+v", p)
	}
	p = NewPagination(3, 20, 41)
	if p.HasNext {
		t.Fatalf("last page must not have next: %+v", p)
	}
	p = NewPagination(1, 20, 0)
	if p.TotalPages != 0 || p.HasNext {
		t.Fatalf("empty: %+v", p)
	}
}

package util

import "testing"

func TestIn(t *testing.T) {
	ss := []string{"op_success", "op_no_trust"}
	if !In(ss, "op_no_trust") {
		t.Errorf("expected to find op_no_trust in %v", ss)
	}
	if In(ss, "op_underfunded") {
		t.Errorf("did not expect to find op_underfunded in %v", ss)
	}
	if In(nil, "x") {
		t.Errorf("did not expect to find anything in a nil slice")
	}
}

func TestAmount7(t *testing.T) {
	if s := Amount7(100); s != "100.0000000" {
		t.Errorf("got %s", s)
	}
	if s := Amount7(99.5 - 1.4975); s != "98.0025000" {
		t.Errorf("got %s", s)
	}
}

func TestParseAmount(t *testing.T) {
	if f := ParseAmount("98.0025000"); f != 98.0025 {
		t.Errorf("got %v", f)
	}
	if f := ParseAmount("not-a-number"); f != 0 {
		t.Errorf("got %v", f)
	}
}

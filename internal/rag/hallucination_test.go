// Copyright 2025 James Ross
package rag

import "testing"

func TestDetectHallucinationFlagsLowOverlap(t *testing.T) {
	citations := []Citation{{Snippet: "contracts require offer and acceptance"}}
	if !detectHallucination("the moon is made of green cheese and unicorns fly", citations, 0.5) {
		t.Fatal("expected low-overlap answer to be flagged")
	}
}

func TestDetectHallucinationAllowsHighOverlap(t *testing.T) {
	citations := []Citation{{Snippet: "contracts require offer acceptance and consideration"}}
	if detectHallucination("a contract requires offer and acceptance", citations, 0.3) {
		t.Fatal("expected high-overlap answer not to be flagged")
	}
}

func TestDetectHallucinationWithNoCitations(t *testing.T) {
	if !detectHallucination("some answer with no supporting citations", nil, 0.3) {
		t.Fatal("expected an uncited non-empty answer to be flagged")
	}
	if detectHallucination("", nil, 0.3) {
		t.Fatal("expected an empty answer with no citations not to be flagged")
	}
}

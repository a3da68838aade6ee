package prompt

import "testing"

func TestDetectMenuPrompt(t *testing.T) {
	tail := "Choose one:\n  1. Apple\n  2. Banana\n  3. Cherry\n"
	det, ok := Detect(tail, DefaultBufferLookback, DefaultConfidenceThreshold)
	if !ok {
		t.Fatalf("expected detection, got none")
	}
	if len(det.Options) != 3 || det.Options[0] != 1 || det.Options[2] != 3 {
		t.Errorf("Options = %v, want [1 2 3]", det.Options)
	}
	if det.Confidence < 50 {
		t.Errorf("Confidence = %d, want >= 50", det.Confidence)
	}
	if det.Context != ContextMenu {
		t.Errorf("Context = %v, want menu", det.Context)
	}
}

func TestDetectAbortsInsideFencedCodeBlock(t *testing.T) {
	tail := "```\n1. foo\n2. bar\n"
	_, ok := Detect(tail, DefaultBufferLookback, DefaultConfidenceThreshold)
	if ok {
		t.Error("expected no detection inside an unterminated fenced code block")
	}
}

func TestDetectRequiresAtLeastTwoOptions(t *testing.T) {
	tail := "Choose one:\n  1. Only option\n"
	_, ok := Detect(tail, DefaultBufferLookback, DefaultConfidenceThreshold)
	if ok {
		t.Error("expected no detection with fewer than 2 distinct option numbers")
	}
}

func TestDetectBelowThresholdIsSuppressed(t *testing.T) {
	tail := "some ordinary output with 1) a number and 5) another, no trigger phrase"
	_, ok := Detect(tail, DefaultBufferLookback, 1000)
	if ok {
		t.Error("expected detection suppressed when threshold unreachable")
	}
}

func TestDetectNegativePatternsReduceScore(t *testing.T) {
	withHeading := "# Section\nshould work without 1. issue 2. problem\n"
	det, ok := Detect(withHeading, DefaultBufferLookback, DefaultConfidenceThreshold)
	if ok && det.Confidence >= 50 {
		t.Errorf("expected negative patterns to meaningfully reduce confidence, got %d", det.Confidence)
	}
}

func TestDetectionEqual(t *testing.T) {
	a := Detection{Options: []int{1, 2, 3}}
	b := Detection{Options: []int{1, 2, 3}}
	c := Detection{Options: []int{1, 2}}

	if !a.Equal(b) {
		t.Error("expected equal detections with identical option sets")
	}
	if a.Equal(c) {
		t.Error("expected unequal detections with different option sets")
	}
}

package validation

import (
	"errors"
	"strings"
	"testing"
)

type sample struct {
	Name   string `validate:"required"`
	Status string `validate:"omitempty,oneof=READY FAILED"`
	URL    string `validate:"omitempty,url"`
}

func TestDescribe(t *testing.T) {
	err := V.Struct(sample{Status: "DONE", URL: "nope"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := Describe(err)
	for _, want := range []string{"Name is required", "Status must be one of [READY FAILED]", "URL failed url validation"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}

	if got := Describe(errors.New("plain")); got != "plain" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

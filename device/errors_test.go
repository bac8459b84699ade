// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfExtractsThroughWrapping(t *testing.T) {
	base := Errorf(CodeNoFinger, "no finger on sensor")
	wrapped := fmt.Errorf("capture failed: %w", base)

	if got := CodeOf(wrapped); got != CodeNoFinger {
		t.Errorf("CodeOf = %q, want %q", got, CodeNoFinger)
	}
	if !HasCode(wrapped, CodeNoFinger) {
		t.Error("HasCode(wrapped, CodeNoFinger) = false, want true")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(errors.New("something broke")); got != CodeDevice {
		t.Errorf("CodeOf(plain error) = %q, want %q", got, CodeDevice)
	}
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
}

func TestWrapErrorUnwraps(t *testing.T) {
	cause := errors.New("short read")
	err := WrapError(CodeProtocol, cause, "response header truncated")

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	var devErr *Error
	if !errors.As(err, &devErr) {
		t.Fatal("errors.As failed to extract *Error")
	}
	if devErr.Code != CodeProtocol {
		t.Errorf("Code = %q, want %q", devErr.Code, CodeProtocol)
	}
}

func TestIsOperationalOutcome(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{CodeNoFinger, true},
		{CodeBadImage, true},
		{CodeNoMatch, true},
		{CodeTimeout, false},
		{CodeHardware, false},
		{CodeProtocol, false},
	}
	for _, test := range tests {
		err := Errorf(test.code, "outcome")
		if got := IsOperationalOutcome(err); got != test.want {
			t.Errorf("IsOperationalOutcome(%s) = %v, want %v", test.code, got, test.want)
		}
	}
	if IsOperationalOutcome(nil) {
		t.Error("IsOperationalOutcome(nil) = true, want false")
	}
}

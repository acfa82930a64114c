package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidationError(t *testing.T) {
	err := NewValidation("playbook pb-1", "step %q references unknown step %q", "s1", "s9")
	if !IsValidation(err) {
		t.Error("expected IsValidation to be true")
	}
	if IsCapability(err) {
		t.Error("validation error should not match capability")
	}

	wrapped := fmt.Errorf("create failed: %w", err)
	if !IsValidation(wrapped) {
		t.Error("expected IsValidation to match wrapped error")
	}
}

func TestCapabilityError(t *testing.T) {
	base := errors.New("connection refused")
	err := NewCapability("http", base)

	if !IsCapability(err) {
		t.Error("expected IsCapability to be true")
	}
	if IsTimeout(err) {
		t.Error("plain capability error should not be a timeout")
	}
	if !errors.Is(err, base) {
		t.Error("expected Unwrap to reach the underlying error")
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeout("script", errors.New("deadline exceeded"))
	if !IsTimeout(err) {
		t.Error("expected IsTimeout to be true")
	}
	if !IsCapability(err) {
		t.Error("timeout should still be a capability error")
	}
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFound("execution", "exec-123")
	if !IsNotFound(err) {
		t.Error("expected IsNotFound to be true")
	}
	if got, want := err.Error(), "execution not found: exec-123"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestBackpressure(t *testing.T) {
	wrapped := fmt.Errorf("enqueue: %w", ErrBackpressure)
	if !errors.Is(wrapped, ErrBackpressure) {
		t.Error("expected errors.Is to match ErrBackpressure")
	}
}

package apierr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := New(NotWaiting, "task is not waiting for input")
	wrapped := fmt.Errorf("submit input response: %w", base)

	if got := KindOf(wrapped); got != NotWaiting {
		t.Fatalf("KindOf(wrapped) = %s, want %s", got, NotWaiting)
	}
}

func TestKindOfDefaultsToInternalError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != InternalError {
		t.Fatalf("KindOf(plain error) = %s, want %s", got, InternalError)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		AuthInvalid:        401,
		PermissionDenied:   403,
		QuotaExceeded:      429,
		NotFound:           404,
		Conflict:           400,
		NotWaiting:         400,
		InputMismatch:      400,
		ValidationFailed:   422,
		BusUnavailable:     503,
		StorageUnavailable: 503,
		InternalError:      500,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestWSCloseCodeMapping(t *testing.T) {
	if got := WSCloseCode(AuthInvalid); got != 1008 {
		t.Fatalf("WSCloseCode(AuthInvalid) = %d, want 1008", got)
	}
	if got := WSCloseCode(InternalError); got != 1011 {
		t.Fatalf("WSCloseCode(InternalError) = %d, want 1011", got)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(BusUnavailable, "publish input response", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected Wrap error to unwrap to cause")
	}
	if got := KindOf(err); got != BusUnavailable {
		t.Fatalf("KindOf(wrapped) = %s, want %s", got, BusUnavailable)
	}
}

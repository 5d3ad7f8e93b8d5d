package result

import (
	"errors"
	"testing"
)

func TestErrorFormatsWithUnderlyingError(t *testing.T) {
	e := Errorf("tetherDnsSet", 5, errors.New("boom"))
	if got, want := e.Error(), "tetherDnsSet: errno 5: boom"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestErrorFormatsWithoutUnderlyingError(t *testing.T) {
	e := Errorf("ipfwdEnableForwarding", 13, nil)
	if got, want := e.Error(), "ipfwdEnableForwarding: errno 13"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestUnwrapExposesUnderlyingError(t *testing.T) {
	underlying := errors.New("permission denied")
	e := Errorf("configureInterfaceAddress", 1, underlying)
	if !errors.Is(e, underlying) {
		t.Fatal("expected errors.Is to see through Error.Unwrap to the underlying error")
	}
}

func TestUnwrapIsNilWithoutUnderlyingError(t *testing.T) {
	e := Errorf("tetherStop", 0, nil)
	if e.Unwrap() != nil {
		t.Fatal("expected Unwrap() to return nil when no underlying error is set")
	}
}

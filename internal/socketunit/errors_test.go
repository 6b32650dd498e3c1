package socketunit

import (
	"errors"
	"testing"
)

func TestResultStringRoundTrip(t *testing.T) {
	cases := []Result{
		ResultSuccess, ResultResources, ResultTimeout, ResultExitCode,
		ResultSignal, ResultCoreDump, ResultServiceFailedPermanent,
	}

	for _, r := range cases {
		t.Run(r.String(), func(t *testing.T) {
			got, ok := ParseResult(r.String())
			if !ok || got != r {
				t.Errorf("ParseResult(%q) = %v, %v, want %v, true", r.String(), got, ok, r)
			}
		})
	}
}

func TestParseResultUnknown(t *testing.T) {
	if _, ok := ParseResult("bogus"); ok {
		t.Fatal("ParseResult(\"bogus\") reported ok, want false")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := newErr(ErrResources, "opening port", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}

	if got := err.Error(); got != "opening port: boom" {
		t.Errorf("Error() = %q, want %q", got, "opening port: boom")
	}
}

func TestErrorWithoutCause(t *testing.T) {
	err := newErr(ErrValidation, "missing listen directive", nil)

	if got := err.Error(); got != "missing listen directive" {
		t.Errorf("Error() = %q, want %q", got, "missing listen directive")
	}
}

func TestResultFor(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want Result
	}{
		{ErrResources, ResultResources},
		{ErrUnsupported, ResultResources},
		{ErrIO, ResultResources},
		{ErrTimeout, ResultTimeout},
		{ErrExitCode, ResultExitCode},
		{ErrSignal, ResultSignal},
		{ErrCoreDump, ResultCoreDump},
		{ErrServiceFailedPermanent, ResultServiceFailedPermanent},
	}

	for _, c := range cases {
		if got := resultFor(c.kind); got != c.want {
			t.Errorf("resultFor(%v) = %v, want %v", c.kind, got, c.want)
		}
	}
}

package api

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestNewPoolError_CapturesErrno(t *testing.T) {
	err := NewPoolError(KindConnect, unix.ECONNREFUSED)
	var pe *PoolError
	if !errors.As(err, &pe) {
		t.Fatalf("NewPoolError result does not unwrap to *PoolError")
	}
	if pe.Errno != unix.ECONNREFUSED {
		t.Fatalf("Errno = %v, want %v", pe.Errno, unix.ECONNREFUSED)
	}
	if pe.Kind != KindConnect {
		t.Fatalf("Kind = %v, want %v", pe.Kind, KindConnect)
	}
}

func TestPoolError_UnwrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := NewPoolError(KindListen, cause)
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
}

func TestErrorKind_String(t *testing.T) {
	if got := KindTLSX509.String(); got != "tls_x509" {
		t.Fatalf("KindTLSX509.String() = %q, want %q", got, "tls_x509")
	}
	if got := ErrorKind(999).String(); got != "unknown" {
		t.Fatalf("unknown kind String() = %q, want %q", got, "unknown")
	}
}

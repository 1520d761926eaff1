package api

import "testing"

func TestParseNetAddr_RoundTrip(t *testing.T) {
	cases := []string{"127.0.0.1:80", "0.0.0.0:1", "255.255.255.255:65535"}
	for _, s := range cases {
		addr, err := ParseNetAddr(s)
		if err != nil {
			t.Fatalf("ParseNetAddr(%q): %v", s, err)
		}
		if got := addr.String(); got != s {
			t.Fatalf("ParseNetAddr(%q).String() = %q, want %q", s, got, s)
		}
	}
}

func TestParseNetAddr_RejectsNonIPv4(t *testing.T) {
	if _, err := ParseNetAddr("[::1]:80"); err == nil {
		t.Fatal("expected an error for an IPv6 address")
	}
}

func TestParseNetAddr_RejectsMalformed(t *testing.T) {
	for _, s := range []string{"not-an-addr", "1.2.3.4", "1.2.3.4:notaport"} {
		if _, err := ParseNetAddr(s); err == nil {
			t.Fatalf("ParseNetAddr(%q): expected error, got nil", s)
		}
	}
}

func TestConnMode_String(t *testing.T) {
	cases := map[ConnMode]string{Active: "active", Passive: "passive", Dead: "dead"}
	for mode, want := range cases {
		if got := mode.String(); got != want {
			t.Fatalf("%v.String() = %q, want %q", mode, got, want)
		}
	}
}

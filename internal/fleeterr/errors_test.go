package fleeterr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := Unreachable("fetch snapshot", errors.New("connection refused"))
	wrapped := fmt.Errorf("poll server 3: %w", base)

	if KindOf(wrapped) != KindUnreachable {
		t.Fatalf("expected unreachable, got %s", KindOf(wrapped))
	}
	if !base.Retryable() {
		t.Fatalf("unreachable errors should be retryable")
	}
	if Agent("x", 500, "boom").Retryable() {
		t.Fatalf("agent errors must not be retryable")
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatalf("expected unknown kind for plain errors")
	}
	if KindOf(nil) != "" {
		t.Fatalf("expected empty kind for nil")
	}
}

func TestErrorString(t *testing.T) {
	err := Validation("register server", "ip address is required")
	if err.Error() != "[validation] register server: ip address is required" {
		t.Fatalf("unexpected error string %q", err.Error())
	}
	if Message(Agent("send command", 400, "Client already exists")) != "Client already exists" {
		t.Fatalf("agent message should pass through verbatim")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		NotFound("get", "missing"):     http.StatusNotFound,
		Ambiguous("resolve", "2 hits"): http.StatusConflict,
		Protocol("decode", nil):        http.StatusBadGateway,
		errors.New("other"):            http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := HTTPStatus(err); got != want {
			t.Fatalf("%v: expected %d, got %d", err, want, got)
		}
	}
}

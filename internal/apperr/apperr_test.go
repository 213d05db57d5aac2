package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindBadRequest, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindRestricted, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindInvalidState, http.StatusConflict},
		{KindUpstreamUnavailable, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
		{Kind("unknown"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.kind.Status(); got != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.kind, tt.want, got)
		}
	}
}

func TestInternalHidesCause(t *testing.T) {
	cause := errors.New("pq: connection reset")
	err := Internal(cause)
	if err.Message != "internal error" {
		t.Errorf("expected generic message, got %q", err.Message)
	}
	if !errors.Is(err, cause) {
		t.Error("cause should stay reachable through Unwrap")
	}
}

func TestKindOfThroughWrapping(t *testing.T) {
	base := NotFound("auction_not_found", "auction not found")
	wrapped := fmt.Errorf("place bid: %w", base)
	if KindOf(wrapped) != KindNotFound {
		t.Errorf("expected not_found, got %s", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("unclassified errors should map to internal")
	}
	if IsKind(nil, KindInternal) {
		t.Error("nil is never of any kind")
	}
}

func TestWithMetaCopies(t *testing.T) {
	base := Restricted("bidder_restricted", "bidding restricted")
	withMeta := base.WithMeta("cooldown_until", "2026-01-01T00:00:00Z")
	if base.Meta != nil {
		t.Error("WithMeta must not mutate the receiver")
	}
	if withMeta.Meta["cooldown_until"] != "2026-01-01T00:00:00Z" {
		t.Errorf("unexpected meta: %v", withMeta.Meta)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindInternal, "x", "y", nil) != nil {
		t.Error("wrapping nil should return nil")
	}
}

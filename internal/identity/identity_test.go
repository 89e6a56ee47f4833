package identity

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestUserIDAndCodesAreDeterministic(t *testing.T) {
	a := UserID("o_abc123")
	b := UserID(" o_abc123 ")
	if a != b {
		t.Fatalf("expected trimmed openid to derive the same user id, got %q vs %q", a, b)
	}
	if !regexp.MustCompile(`^USER[0-9A-F]{10}$`).MatchString(a) {
		t.Fatalf("unexpected user id format: %q", a)
	}
	code := StablePromotionCode("o_abc123")
	if !regexp.MustCompile(`^PET[0-9A-F]{5}$`).MatchString(code) {
		t.Fatalf("unexpected promotion code format: %q", code)
	}
	if UserID("") != "" || StablePromotionCode("") != "" {
		t.Fatalf("empty openid must derive empty identifiers")
	}
}

func TestTempPromotionCode(t *testing.T) {
	uid := UserID("o_abc123")
	code := TempPromotionCode(uid)
	if code != "TEMP_"+uid[len(uid)-6:] {
		t.Fatalf("TempPromotionCode(%q) = %q", uid, code)
	}
	if !IsTempPromotionCode(code) {
		t.Fatalf("expected %q to be temporary", code)
	}
	if IsTempPromotionCode(StablePromotionCode("o_abc123")) {
		t.Fatalf("stable code must not be temporary")
	}
}

func TestOrderNumberFormats(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.Local)

	mp := MiniProgramOrderNumber(now)
	if !regexp.MustCompile(`^MP20260304050607[0-9A-F]{4}$`).MatchString(mp) {
		t.Fatalf("unexpected mini-program order number: %q", mp)
	}
	shop := ShopOrderNumber(now)
	if !regexp.MustCompile(`^SHOP\d{13}[1-9]\d{3}$`).MatchString(shop) {
		t.Fatalf("unexpected shop order number: %q", shop)
	}
	legacy := LegacyOrderNumber(now)
	if !regexp.MustCompile(`^PET\d{17}$`).MatchString(legacy) {
		t.Fatalf("unexpected legacy order number: %q", legacy)
	}
	if !strings.HasPrefix(FreeTransactionID(mp, now), "FREE_") {
		t.Fatalf("free transaction id must start with FREE_")
	}
}

func TestRandomFallbackStillVaries(t *testing.T) {
	old := randRead
	randRead = func([]byte) (int, error) { return 0, errors.New("rand unavailable") }
	t.Cleanup(func() { randRead = old })

	if randomUint32() == randomUint32() {
		t.Fatalf("expected fallback randomness to differ between calls")
	}
}

package devices

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueCodeShape(t *testing.T) {
	cs := NewCodeStore(time.Hour)

	code, err := cs.Issue("whatsapp", "+999")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(code) != 8 {
		t.Errorf("code length %d", len(code))
	}
	for _, c := range code {
		if !strings.ContainsRune(codeAlphabet, c) {
			t.Errorf("character %q outside alphabet", c)
		}
	}
	for _, banned := range "0O1I" {
		if strings.ContainsRune(code, banned) {
			t.Errorf("ambiguous character %q in code %s", banned, code)
		}
	}
}

func TestIssueSameSenderSameCode(t *testing.T) {
	cs := NewCodeStore(time.Hour)

	first, _ := cs.Issue("telegram", "42")
	second, _ := cs.Issue("telegram", "42")
	if first != second {
		t.Errorf("re-issue changed the code: %s vs %s", first, second)
	}
}

func TestPendingCodesUniquePerChannel(t *testing.T) {
	cs := NewCodeStore(time.Hour)

	a, _ := cs.Issue("telegram", "1")
	b, _ := cs.Issue("telegram", "2")
	c, _ := cs.Issue("telegram", "3")
	if a == b || b == c || a == c {
		t.Errorf("duplicate pending codes: %s %s %s", a, b, c)
	}
}

func TestPendingCapEvictsOldest(t *testing.T) {
	cs := NewCodeStore(time.Hour)

	oldest, _ := cs.Issue("signal", "s1")
	cs.Issue("signal", "s2")
	cs.Issue("signal", "s3")
	cs.Issue("signal", "s4")

	codes := cs.List("signal")
	if len(codes) != 3 {
		t.Fatalf("pending count %d", len(codes))
	}
	for _, pc := range codes {
		if pc.Code == oldest {
			t.Error("oldest code should have been evicted")
		}
	}
}

func TestRedeem(t *testing.T) {
	cs := NewCodeStore(time.Hour)

	code, _ := cs.Issue("whatsapp", "+999")
	sender, err := cs.Redeem("whatsapp", code)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if sender != "+999" {
		t.Errorf("sender %s", sender)
	}

	// One-time use.
	if _, err := cs.Redeem("whatsapp", code); !errors.Is(err, ErrUnknownCode) {
		t.Errorf("second redeem: %v", err)
	}
}

func TestRedeemUnknownAndWrongChannel(t *testing.T) {
	cs := NewCodeStore(time.Hour)

	if _, err := cs.Redeem("telegram", "NOPENOPE"); !errors.Is(err, ErrUnknownCode) {
		t.Errorf("unknown code: %v", err)
	}

	code, _ := cs.Issue("telegram", "42")
	if _, err := cs.Redeem("discord", code); !errors.Is(err, ErrUnknownCode) {
		t.Errorf("code must be channel-scoped: %v", err)
	}
}

func TestRedeemExpired(t *testing.T) {
	cs := NewCodeStore(10 * time.Millisecond)

	code, _ := cs.Issue("telegram", "42")
	time.Sleep(25 * time.Millisecond)

	if _, err := cs.Redeem("telegram", code); !errors.Is(err, ErrExpiredCode) {
		t.Errorf("expected expiry, got %v", err)
	}
}

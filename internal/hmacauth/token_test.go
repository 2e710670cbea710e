package hmacauth

import (
	"errors"
	"strconv"
	"testing"
	"time"
)

const subject = "release funds?"

func TestVerify_AllowsIssuedToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	tok := v.Issue(subject)
	if tok.Timestamp != strconv.FormatInt(now.Unix(), 10) {
		t.Fatalf("unexpected timestamp %s", tok.Timestamp)
	}
	if err := v.Verify(subject, tok); err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
}

func TestIssue_NoncesAreUnique(t *testing.T) {
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute}

	a, b := v.Issue(subject), v.Issue(subject)
	if a.Nonce == "" || a.Nonce == b.Nonce {
		t.Fatalf("expected distinct nonces, got %q and %q", a.Nonce, b.Nonce)
	}
}

func TestVerify_NonceIsSigned(t *testing.T) {
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute}

	tok := v.Issue(subject)
	tok.Nonce = v.Issue(subject).Nonce
	if err := v.Verify(subject, tok); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature for swapped nonce, got %v", err)
	}
}

func TestVerify_RejectsOtherSubject(t *testing.T) {
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute}

	tok := v.Issue(subject)
	if err := v.Verify("something else", tok); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestVerify_RejectsInvalidSignature(t *testing.T) {
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute}

	tok := v.Issue(subject)
	tok.Signature = "deadbeef"
	if err := v.Verify(subject, tok); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestVerify_RejectsStaleToken(t *testing.T) {
	issuedAt := time.Unix(1_700_000_000, 0)
	now := issuedAt
	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	tok := v.Issue(subject)
	now = issuedAt.Add(2 * time.Minute)
	if err := v.Verify(subject, tok); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected stale timestamp, got %v", err)
	}
}

func TestVerify_RequiresFields(t *testing.T) {
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute}

	if err := v.Verify(subject, Token{Timestamp: "1"}); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected missing signature, got %v", err)
	}
	if err := v.Verify(subject, Token{Signature: "ab"}); !errors.Is(err, ErrMissingTimestamp) {
		t.Fatalf("expected missing timestamp, got %v", err)
	}
	if err := v.Verify(subject, Token{Signature: "ab", Timestamp: "1"}); !errors.Is(err, ErrMissingNonce) {
		t.Fatalf("expected missing nonce, got %v", err)
	}
	if err := (&Verifier{}).Verify(subject, Token{}); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected missing secret, got %v", err)
	}
}

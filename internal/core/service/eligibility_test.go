package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rl1809/flash-sale-engine/internal/core/domain"
)

func TestEligibility_Allowed(t *testing.T) {
	e, err := NewEligibility()
	if err != nil {
		t.Fatalf("new eligibility: %v", err)
	}

	cases := []struct {
		rule  string
		user  string
		qty   int
		meta  map[string]string
		allow bool
	}{
		{"", "anyone", 5, nil, true},
		{`user_id.startsWith("vip-")`, "vip-7", 1, nil, true},
		{`user_id.startsWith("vip-")`, "guest", 1, nil, false},
		{`quantity <= 1`, "u", 2, nil, false},
		{`has(metadata.region) && metadata.region == "eu"`, "u", 1, map[string]string{"region": "eu"}, true},
		{`has(metadata.region) && metadata.region == "eu"`, "u", 1, nil, false},
	}

	for _, tc := range cases {
		got, err := e.Allowed(tc.rule, tc.user, tc.qty, tc.meta)
		if err != nil {
			t.Errorf("rule %q: unexpected error %v", tc.rule, err)
			continue
		}
		if got != tc.allow {
			t.Errorf("rule %q user %s qty %d: expected %v, got %v", tc.rule, tc.user, tc.qty, tc.allow, got)
		}
	}
}

func TestEligibility_CompileRejects(t *testing.T) {
	e, _ := NewEligibility()

	for _, rule := range []string{"quantity >", `user_id + 1`, `"text"`} {
		if err := e.Compile(rule); !errors.Is(err, domain.ErrInvalidSale) {
			t.Errorf("rule %q: expected ErrInvalidSale, got %v", rule, err)
		}
	}
}

func TestRandomVoucherCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := randomVoucherCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !strings.HasPrefix(code, voucherPrefix) || len(code) != len(voucherPrefix)+voucherLength {
			t.Fatalf("malformed code %q", code)
		}
		for _, c := range code[len(voucherPrefix):] {
			if !strings.ContainsRune(voucherAlphabet, c) {
				t.Fatalf("code %q contains %q outside alphabet", code, c)
			}
		}
		if seen[code] {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = true
	}
}

func TestFallbackVoucherCode_Unique(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	a := fallbackVoucherCode(now, "0f8fad5b-d9cb-469f-a165-70867728950e")
	b := fallbackVoucherCode(now, "7c9e6679-7425-40de-944b-e07fc1f90ae7")
	if a == b {
		t.Errorf("expected distinct codes for distinct purchases, got %s", a)
	}
}

func TestGatewayBackOff(t *testing.T) {
	calls := 0
	err := backoff.Retry(func() error {
		calls++
		if calls < 3 {
			return errGatewayDown
		}
		return nil
	}, gatewayBackOff(context.Background(), 3, time.Millisecond))
	if err != nil || calls != 3 {
		t.Errorf("expected success on third call, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = backoff.Retry(func() error {
		calls++
		return errGatewayDown
	}, gatewayBackOff(context.Background(), 2, time.Millisecond))
	if !errors.Is(err, errGatewayDown) || calls != 2 {
		t.Errorf("expected last error after 2 calls, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = backoff.Retry(func() error {
		calls++
		return errGatewayDown
	}, gatewayBackOff(context.Background(), 0, time.Millisecond))
	if calls != 1 {
		t.Errorf("expected a single try when attempts is unset, got %d", calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = backoff.Retry(func() error { return errGatewayDown }, gatewayBackOff(ctx, 5, time.Hour))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

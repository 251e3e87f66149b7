package presence_test

import (
	"testing"
	"time"

	"github.com/partypool/server/internal/adapters/presence"
)

func TestJoinRateLimiter(t *testing.T) {
	rl := presence.NewJoinRateLimiter(2, time.Minute)

	if !rl.Allow("u1") || !rl.Allow("u1") {
		t.Fatal("attempts within the limit must be allowed")
	}
	if rl.Allow("u1") {
		t.Error("attempt past the limit must be blocked")
	}
	if !rl.Allow("u2") {
		t.Error("limits are per user")
	}
}

func TestJoinRateLimiterWindowExpiry(t *testing.T) {
	rl := presence.NewJoinRateLimiter(1, 10*time.Millisecond)

	if !rl.Allow("u1") {
		t.Fatal("first attempt must be allowed")
	}
	if rl.Allow("u1") {
		t.Fatal("second immediate attempt must be blocked")
	}
	time.Sleep(20 * time.Millisecond)
	if !rl.Allow("u1") {
		t.Error("attempt after the window must be allowed again")
	}
}

// Package ratelimit implements the Rate Limiter of spec.md §4.3: two
// 60-second sliding-approximation windows (requests-per-minute and
// tokens-per-minute) shared by every worker through the coordination store,
// fronted by a per-process golang.org/x/time/rate token bucket the way
// academic-mcp's ratelimit.go layers a token-bucket limiter over outbound LLM
// calls (see DESIGN.md). The shared windows are the authoritative budget;
// the local bucket only smooths this process's request pacing within them.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/paraito/registre-ocr/internal/coordination"
)

// windowSeconds is the fixed window size spec §4.3 mandates.
const windowSeconds = 60

// Decision is the result of checkRateLimit (spec §4.3).
type Decision struct {
	Allowed     bool
	WaitHintMs  int64
}

// Limiter tracks one provider's shared request/token budget across the
// process fleet. Safe maxima are 80% of the hard tier limits, per spec §4.3;
// callers pass the already-computed safe maxima (RateConfig.RPMSafeMax /
// TPMSafeMax in internal/config already encode that 80% margin).
type Limiter struct {
	store      *coordination.Store
	log        *zap.SugaredLogger
	provider   string
	rpmSafeMax int64
	tpmSafeMax int64
	local      *rate.Limiter
}

// New builds a Limiter scoped to one provider name, so Gemini and Claude
// never share a window key even when the process talks to both. The
// coordination-store windows are the real budget; local paces this one
// process's calls evenly across each second so a burst of claimed jobs
// doesn't spend the whole per-minute budget in the window's first second.
func New(store *coordination.Store, log *zap.SugaredLogger, provider string, rpmSafeMax, tpmSafeMax int) *Limiter {
	perSecond := float64(rpmSafeMax) / windowSeconds
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := rpmSafeMax / 10
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		store:      store,
		log:        log,
		provider:   provider,
		rpmSafeMax: int64(rpmSafeMax),
		tpmSafeMax: int64(tpmSafeMax),
		local:      rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (l *Limiter) windowKey(kind string) (key string, remaining time.Duration) {
	now := time.Now()
	epoch := now.Unix() / windowSeconds
	key = fmt.Sprintf("ratelimit:%s:%s:%d", l.provider, kind, epoch)

	elapsed := time.Duration(now.Unix()%windowSeconds) * time.Second
	remaining = windowSeconds*time.Second - elapsed
	return key, remaining
}

// Check implements checkRateLimit(estTokens): allowed iff rpm_current + 1 <=
// rpmSafeMax and tpm_current + estTokens <= tpmSafeMax. A coordination-store
// read failure fails open (spec §4.3: "the provider itself is the
// authoritative limiter").
func (l *Limiter) Check(ctx context.Context, estTokens int) Decision {
	rpmKey, remaining := l.windowKey("rpm")
	tpmKey, _ := l.windowKey("tpm")

	rpmCurrent, err := l.readCounter(ctx, rpmKey)
	if err != nil {
		l.log.Warnw("rate limiter store read failed, failing open", "provider", l.provider, "error", err)
		return Decision{Allowed: true}
	}
	tpmCurrent, err := l.readCounter(ctx, tpmKey)
	if err != nil {
		l.log.Warnw("rate limiter store read failed, failing open", "provider", l.provider, "error", err)
		return Decision{Allowed: true}
	}

	allowed := rpmCurrent+1 <= l.rpmSafeMax && tpmCurrent+int64(estTokens) <= l.tpmSafeMax
	if allowed {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, WaitHintMs: remaining.Milliseconds()}
}

func (l *Limiter) readCounter(ctx context.Context, key string) (int64, error) {
	v, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	var n int64
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("ratelimit: parsing counter %s=%q: %w", key, v, err)
	}
	return n, nil
}

// Record implements recordApiCall(actualTokens): atomically increments both
// counters in the current window. Expiry is set generously past the window
// so a slow reader never sees a key vanish mid-read.
func (l *Limiter) Record(ctx context.Context, actualTokens int) {
	rpmKey, _ := l.windowKey("rpm")
	tpmKey, _ := l.windowKey("tpm")
	expiry := 2 * windowSeconds * time.Second

	if _, err := l.store.IncrBy(ctx, rpmKey, 1, expiry); err != nil {
		l.log.Warnw("rate limiter increment failed", "key", rpmKey, "error", err)
	}
	if _, err := l.store.IncrBy(ctx, tpmKey, int64(actualTokens), expiry); err != nil {
		l.log.Warnw("rate limiter increment failed", "key", tpmKey, "error", err)
	}
}

// Wait blocks until Check reports allowed, sleeping WaitHintMs (or the
// remainder of the window, whichever Check returned) between attempts, per
// spec §4.3: "Provider Adapter consults checkRateLimit before each provider
// request; on denial, sleeps waitHintMs and re-checks."
func (l *Limiter) Wait(ctx context.Context, estTokens int) error {
	if err := l.local.Wait(ctx); err != nil {
		return err
	}

	for {
		d := l.Check(ctx, estTokens)
		if d.Allowed {
			return nil
		}

		wait := time.Duration(d.WaitHintMs) * time.Millisecond
		if wait <= 0 {
			wait = windowSeconds * time.Second
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

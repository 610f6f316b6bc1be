package scan

import (
	"context"
	"time"
)

// scaleProgress は外部ツールの 0-100 の進捗を [lo, hi] の帯に写像します。
func scaleProgress(lo, hi, percent int) int {
	percent = clamp(percent)
	return lo + (hi-lo)*percent/100
}

func clamp(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

// wait は d だけ待機します。ctx が終了した場合はそのエラーを返します。
func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

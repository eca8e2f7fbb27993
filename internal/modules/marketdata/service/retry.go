package service

import "time"

// RetryPolicy политика переподключения: линейная задержка с потолком.
type RetryPolicy struct {
	MaxAttempts   int // <= 0 без ограничения
	BaseDelay     time.Duration
	MaxMultiplier int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 10, BaseDelay: 5 * time.Second, MaxMultiplier: 5}
}

// Delay = BaseDelay * min(attempt, MaxMultiplier). Попытки считаются с 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxMultiplier > 0 && attempt > p.MaxMultiplier {
		attempt = p.MaxMultiplier
	}
	return p.BaseDelay * time.Duration(attempt)
}

// Allow можно ли делать попытку с этим номером.
func (p RetryPolicy) Allow(attempt int) bool {
	return p.MaxAttempts <= 0 || attempt <= p.MaxAttempts
}

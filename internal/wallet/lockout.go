package wallet

import "time"

// lockout tracks failed passphrase attempts. Callers hold Vault.mu.
type lockout struct {
	failedAttempts int
	lockedUntil    time.Time
}

func (l *lockout) check(now time.Time) error {
	if !l.lockedUntil.IsZero() && now.Before(l.lockedUntil) {
		return ErrPassphraseLocked
	}
	return nil
}

func (l *lockout) fail(now time.Time) {
	l.failedAttempts++
	l.lockedUntil = now.Add(failedAttemptBackoff(l.failedAttempts))
}

func (l *lockout) reset() {
	l.failedAttempts = 0
	l.lockedUntil = time.Time{}
}

func failedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// 1s, 2s, 4s... up to 32s max.
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}

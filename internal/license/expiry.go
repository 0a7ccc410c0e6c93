package license

import "time"

// EffectiveExpiry is the expiry used for the access decision. While the
// owning seller is in maintenance and the subscription carries a pause
// instant, the time elapsed since the pause is added on top of ExpiresAt.
// A pause left behind after maintenance ended is ignored: ExpiresAt was
// already compensated when the pause was cleared.
func EffectiveExpiry(sub Subscription, seller Seller, now time.Time) time.Time {
	if sub.MaintenancePausedAt == nil || !seller.MaintenanceMode {
		return sub.ExpiresAt
	}
	paused := now.Sub(*sub.MaintenancePausedAt)
	if paused < 0 {
		paused = 0
	}
	return sub.ExpiresAt.Add(paused)
}

// Pause records the start of a maintenance pause. It reports false when
// the subscription is already paused.
func Pause(sub *Subscription, now time.Time) bool {
	if sub.MaintenancePausedAt != nil {
		return false
	}
	at := now
	sub.MaintenancePausedAt = &at
	sub.UpdatedAt = now
	return true
}

// Resume clears a pause and moves ExpiresAt forward by the paused
// duration. It reports false when there was nothing to resume.
func Resume(sub *Subscription, now time.Time) bool {
	if sub.MaintenancePausedAt == nil {
		return false
	}
	sub.ExpiresAt = ResumeExpiry(sub.ExpiresAt, *sub.MaintenancePausedAt, now)
	sub.MaintenancePausedAt = nil
	sub.UpdatedAt = now
	return true
}

// ResumeExpiry is expiresAt advanced by now-pausedAt (never moved back).
func ResumeExpiry(expiresAt, pausedAt, now time.Time) time.Time {
	if d := now.Sub(pausedAt); d > 0 {
		return expiresAt.Add(d)
	}
	return expiresAt
}

// RenewedExpiry extends a subscription by d. Time already lost to expiry
// is not given back: the extension starts from the later of ExpiresAt and
// the reference instant, which is the pause instant while the clock is
// frozen and now otherwise.
func RenewedExpiry(sub Subscription, seller Seller, now time.Time, d time.Duration) time.Time {
	ref := now
	if sub.MaintenancePausedAt != nil && seller.MaintenanceMode {
		ref = *sub.MaintenancePausedAt
	}
	base := sub.ExpiresAt
	if base.Before(ref) {
		base = ref
	}
	return base.Add(d)
}

// ApplyMaintenance moves sub to the seller's new maintenance state. wasOn is
// the flag before the toggle. A pause found while maintenance was off is
// stale and earns no compensation: entering maintenance replaces it with
// now, and a repeated disable just clears it. It reports whether sub changed.
func ApplyMaintenance(sub *Subscription, wasOn, enabled bool, now time.Time) bool {
	switch {
	case enabled && wasOn:
		return Pause(sub, now)
	case enabled:
		if sub.MaintenancePausedAt != nil && sub.MaintenancePausedAt.Equal(now) {
			return false
		}
		sub.MaintenancePausedAt = nil
		return Pause(sub, now)
	case wasOn:
		return Resume(sub, now)
	default:
		if sub.MaintenancePausedAt == nil {
			return false
		}
		sub.MaintenancePausedAt = nil
		sub.UpdatedAt = now
		return true
	}
}

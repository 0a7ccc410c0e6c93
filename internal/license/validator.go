package license

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"keyconnect/internal/clock"
)

// KeyStore is the persistence the validator needs. Lookups are always
// scoped to one seller; keys are only unique inside a seller namespace.
type KeyStore interface {
	FindSeller(ctx context.Context, slug string) (Seller, error)
	FindSubscription(ctx context.Context, sellerID, key string) (Subscription, error)
	// UpdateSubscription loads the row under a per-subscription lock and
	// calls fn with it. The row is written back only when fn returns true.
	UpdateSubscription(ctx context.Context, id string, fn func(*Subscription) (bool, error)) (Subscription, error)
	PersistDevices(ctx context.Context, id string, devices DeviceSet) error
	PersistExpiry(ctx context.Context, id string, expiresAt time.Time) error
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeMissingKey
	OutcomeInvalidKey
	OutcomeSellerSuspended
	OutcomeExpired
	OutcomeUnderMaintenance
	OutcomeDeviceLimitReached
	OutcomeStoreUnavailable
)

var outcomeNames = map[Outcome]string{
	OutcomeSuccess:            "success",
	OutcomeMissingKey:         "missing_key",
	OutcomeInvalidKey:         "invalid_key",
	OutcomeSellerSuspended:    "seller_suspended",
	OutcomeExpired:            "expired",
	OutcomeUnderMaintenance:   "under_maintenance",
	OutcomeDeviceLimitReached: "device_limit_reached",
	OutcomeStoreUnavailable:   "store_unavailable",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "unknown"
}

// Outcomes lists every outcome, in declaration order.
func Outcomes() []Outcome {
	out := make([]Outcome, 0, len(outcomeNames))
	for o := OutcomeSuccess; o <= OutcomeStoreUnavailable; o++ {
		out = append(out, o)
	}
	return out
}

type Request struct {
	Key        string
	UUID       string
	SellerSlug string
}

type Result struct {
	Outcome         Outcome
	EffectiveExpiry time.Time
	// Token is an opaque success marker. It carries no authority.
	Token string
	// Registered is set when this request bound a new device.
	Registered bool
}

func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

type Validator struct {
	store    KeyStore
	clock    clock.Clock
	log      zerolog.Logger
	newToken func() string
}

func NewValidator(store KeyStore, clk clock.Clock, log zerolog.Logger) *Validator {
	return &Validator{
		store:    store,
		clock:    clk,
		log:      log.With().Str("component", "validator").Logger(),
		newToken: uuid.NewString,
	}
}

// Validate decides one connect request. Policy rejections come back as a
// Result with a nil error. A non-nil error always pairs with
// OutcomeStoreUnavailable: the decision could not be made.
func (v *Validator) Validate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Key) == "" {
		return Result{Outcome: OutcomeMissingKey}, nil
	}
	// Keys match byte for byte; surrounding whitespace is part of the key.
	key := req.Key
	slug := strings.TrimSpace(req.SellerSlug)
	log := v.log.With().Str("seller", slug).Str("key", MaskKey(key)).Logger()

	seller, err := v.store.FindSeller(ctx, slug)
	if errors.Is(err, ErrNotFound) {
		return v.reject(log, OutcomeInvalidKey), nil
	}
	if err != nil {
		return v.unavailable(log, err)
	}
	sub, err := v.store.FindSubscription(ctx, seller.ID, key)
	if errors.Is(err, ErrNotFound) {
		return v.reject(log, OutcomeInvalidKey), nil
	}
	if err != nil {
		return v.unavailable(log, err)
	}

	if seller.Suspended {
		return v.reject(log, OutcomeSellerSuspended), nil
	}

	now := v.clock.Now()
	effective := EffectiveExpiry(sub, seller, now)
	if !effective.After(now) {
		return v.reject(log, OutcomeExpired), nil
	}

	if seller.MaintenanceMode {
		if sub.MaintenancePausedAt == nil {
			if err := v.recordPause(ctx, sub.ID, now); err != nil {
				if errors.Is(err, ErrNotFound) {
					return v.reject(log, OutcomeInvalidKey), nil
				}
				return v.unavailable(log, err)
			}
			log.Info().Msg("maintenance pause recorded on first validation")
		}
		res := v.reject(log, OutcomeUnderMaintenance)
		res.EffectiveExpiry = effective
		return res, nil
	}

	decision := DecisionAllowed
	device := strings.TrimSpace(req.UUID)
	if device != "" && !sub.BoundDevices.Contains(device) {
		// The snapshot said "unseen"; decide again on the locked row.
		_, err := v.store.UpdateSubscription(ctx, sub.ID, func(s *Subscription) (bool, error) {
			var devices DeviceSet
			decision, devices = Authorize(*s, device)
			if decision != DecisionRegistered {
				return false, nil
			}
			s.BoundDevices = devices
			s.UpdatedAt = now
			return true, nil
		})
		if errors.Is(err, ErrNotFound) {
			return v.reject(log, OutcomeInvalidKey), nil
		}
		if err != nil {
			return v.unavailable(log, err)
		}
		if decision == DecisionDeviceLimitReached {
			return v.reject(log, OutcomeDeviceLimitReached), nil
		}
	}

	if decision == DecisionRegistered {
		log.Info().Str("uuid", device).Msg("device registered")
	}
	return Result{
		Outcome:         OutcomeSuccess,
		EffectiveExpiry: effective,
		Token:           v.newToken(),
		Registered:      decision == DecisionRegistered,
	}, nil
}

func (v *Validator) recordPause(ctx context.Context, id string, now time.Time) error {
	_, err := v.store.UpdateSubscription(ctx, id, func(s *Subscription) (bool, error) {
		return Pause(s, now), nil
	})
	return err
}

func (v *Validator) reject(log zerolog.Logger, o Outcome) Result {
	log.Debug().Str("outcome", o.String()).Msg("validation rejected")
	return Result{Outcome: o}
}

func (v *Validator) unavailable(log zerolog.Logger, err error) (Result, error) {
	log.Error().Err(err).Msg("key store unavailable")
	return Result{Outcome: OutcomeStoreUnavailable}, err
}

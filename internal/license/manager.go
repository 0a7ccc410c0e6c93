package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"keyconnect/internal/clock"
)

// AdminStore extends KeyStore with the seller and key management surface.
type AdminStore interface {
	KeyStore

	CreateSeller(ctx context.Context, seller Seller) (Seller, error)
	FindSellerByUsername(ctx context.Context, username string) (Seller, error)
	ListSellers(ctx context.Context) ([]Seller, error)
	UpdateSeller(ctx context.Context, id string, fn func(*Seller) error) (Seller, error)
	// SetMaintenance flips the seller flag and pauses or resumes every
	// subscription of that seller in the same transaction.
	SetMaintenance(ctx context.Context, sellerID string, enabled bool, now time.Time) (Seller, error)

	CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	ListSubscriptions(ctx context.Context, sellerID string) ([]Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	DeleteSubscriptionsBySeller(ctx context.Context, sellerID string) (int, error)
}

const keyCollisionRetries = 3

type SellerInput struct {
	Slug     string
	Username string
	Password string
}

type IssueInput struct {
	// Key is optional; a random key is generated when empty.
	Key        string
	Days       int
	MaxDevices int
	Note       string
}

type KeyInfo struct {
	Subscription    Subscription
	EffectiveExpiry time.Time
	Expired         bool
}

// Manager implements the seller and operator actions around the validator.
type Manager struct {
	store AdminStore
	clock clock.Clock
	log   zerolog.Logger
}

func NewManager(store AdminStore, clk clock.Clock, log zerolog.Logger) *Manager {
	return &Manager{store: store, clock: clk, log: log.With().Str("component", "manager").Logger()}
}

func (m *Manager) CreateSeller(ctx context.Context, in SellerInput) (Seller, error) {
	slug := strings.TrimSpace(in.Slug)
	username := strings.TrimSpace(in.Username)
	if slug == "" || username == "" || in.Password == "" || strings.ContainsAny(slug, "/ ") {
		return Seller{}, fmt.Errorf("%w: slug, username and password are required", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return Seller{}, fmt.Errorf("hash password: %w", err)
	}
	now := m.clock.Now()
	seller, err := m.store.CreateSeller(ctx, Seller{
		ID:           uuid.NewString(),
		Slug:         slug,
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return Seller{}, err
	}
	m.log.Info().Str("seller", seller.Slug).Msg("seller created")
	return seller, nil
}

// EnsureSeller creates the seller unless the slug already exists.
func (m *Manager) EnsureSeller(ctx context.Context, in SellerInput) (Seller, bool, error) {
	seller, err := m.store.FindSeller(ctx, strings.TrimSpace(in.Slug))
	if err == nil {
		return seller, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Seller{}, false, err
	}
	seller, err = m.CreateSeller(ctx, in)
	return seller, err == nil, err
}

// Authenticate verifies seller credentials. Suspended sellers cannot log in.
func (m *Manager) Authenticate(ctx context.Context, username, password string) (Seller, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Seller{}, ErrUnauthorized
	}
	seller, err := m.store.FindSellerByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return Seller{}, ErrUnauthorized
	}
	if err != nil {
		return Seller{}, err
	}
	if seller.Suspended {
		return Seller{}, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(seller.PasswordHash), []byte(password)); err != nil {
		return Seller{}, ErrUnauthorized
	}
	return seller, nil
}

func (m *Manager) Seller(ctx context.Context, slug string) (Seller, error) {
	return m.store.FindSeller(ctx, strings.TrimSpace(slug))
}

func (m *Manager) ListSellers(ctx context.Context) ([]Seller, error) {
	return m.store.ListSellers(ctx)
}

func (m *Manager) SetSuspended(ctx context.Context, slug string, suspended bool) (Seller, error) {
	seller, err := m.Seller(ctx, slug)
	if err != nil {
		return Seller{}, err
	}
	now := m.clock.Now()
	seller, err = m.store.UpdateSeller(ctx, seller.ID, func(s *Seller) error {
		s.Suspended = suspended
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Seller{}, err
	}
	m.log.Info().Str("seller", seller.Slug).Bool("suspended", suspended).Msg("seller suspension changed")
	return seller, nil
}

func (m *Manager) SetMaintenance(ctx context.Context, slug string, enabled bool) (Seller, error) {
	seller, err := m.Seller(ctx, slug)
	if err != nil {
		return Seller{}, err
	}
	seller, err = m.store.SetMaintenance(ctx, seller.ID, enabled, m.clock.Now())
	if err != nil {
		return Seller{}, err
	}
	m.log.Info().Str("seller", seller.Slug).Bool("maintenance", enabled).Msg("maintenance mode changed")
	return seller, nil
}

func (m *Manager) IssueKey(ctx context.Context, slug string, in IssueInput) (Subscription, error) {
	if in.Days < 1 {
		return Subscription{}, fmt.Errorf("%w: days must be >= 1", ErrInvalidInput)
	}
	maxDevices := in.MaxDevices
	if maxDevices == 0 {
		maxDevices = DefaultMaxDevices
	}
	if maxDevices < 1 {
		return Subscription{}, fmt.Errorf("%w: max devices must be >= 1", ErrInvalidInput)
	}
	custom := strings.TrimSpace(in.Key) != ""
	if custom {
		k, err := NormalizeCustomKey(in.Key)
		if err != nil {
			return Subscription{}, err
		}
		in.Key = k
	}
	seller, err := m.Seller(ctx, slug)
	if err != nil {
		return Subscription{}, err
	}

	now := m.clock.Now()
	sub := Subscription{
		SellerID:   seller.ID,
		MaxDevices: maxDevices,
		ExpiresAt:  now.Add(days(in.Days)),
		Note:       strings.TrimSpace(in.Note),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if seller.MaintenanceMode {
		Pause(&sub, now)
	}
	for attempt := 0; ; attempt++ {
		sub.ID = uuid.NewString()
		sub.Key = in.Key
		if !custom {
			if sub.Key, err = NewKey(); err != nil {
				return Subscription{}, fmt.Errorf("generate key: %w", err)
			}
		}
		created, err := m.store.CreateSubscription(ctx, sub)
		if errors.Is(err, ErrDuplicateKey) && !custom && attempt < keyCollisionRetries {
			continue
		}
		if err != nil {
			return Subscription{}, err
		}
		m.log.Info().Str("seller", seller.Slug).Str("key", MaskKey(created.Key)).Int("days", in.Days).Int("max_devices", maxDevices).Msg("key issued")
		return created, nil
	}
}

func (m *Manager) KeyInfo(ctx context.Context, slug, key string) (KeyInfo, error) {
	seller, sub, err := m.find(ctx, slug, key)
	if err != nil {
		return KeyInfo{}, err
	}
	return m.info(sub, seller), nil
}

func (m *Manager) ListKeys(ctx context.Context, slug string) ([]KeyInfo, error) {
	seller, err := m.Seller(ctx, slug)
	if err != nil {
		return nil, err
	}
	subs, err := m.store.ListSubscriptions(ctx, seller.ID)
	if err != nil {
		return nil, err
	}
	out := make([]KeyInfo, 0, len(subs))
	for _, sub := range subs {
		out = append(out, m.info(sub, seller))
	}
	return out, nil
}

// Renew extends a key by the given number of days.
func (m *Manager) Renew(ctx context.Context, slug, key string, n int) (Subscription, error) {
	if n < 1 {
		return Subscription{}, fmt.Errorf("%w: days must be >= 1", ErrInvalidInput)
	}
	seller, sub, err := m.find(ctx, slug, key)
	if err != nil {
		return Subscription{}, err
	}
	now := m.clock.Now()
	sub, err = m.store.UpdateSubscription(ctx, sub.ID, func(s *Subscription) (bool, error) {
		s.ExpiresAt = RenewedExpiry(*s, seller, now, days(n))
		s.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return Subscription{}, err
	}
	m.log.Info().Str("seller", seller.Slug).Str("key", MaskKey(key)).Time("expires_at", sub.ExpiresAt).Msg("key renewed")
	return sub, nil
}

// SetExpiry overwrites the stored expiry.
func (m *Manager) SetExpiry(ctx context.Context, slug, key string, expiresAt time.Time) error {
	if expiresAt.IsZero() {
		return fmt.Errorf("%w: expiry is required", ErrInvalidInput)
	}
	_, sub, err := m.find(ctx, slug, key)
	if err != nil {
		return err
	}
	return m.store.PersistExpiry(ctx, sub.ID, expiresAt.UTC())
}

func (m *Manager) ResetDevices(ctx context.Context, slug, key string) error {
	_, sub, err := m.find(ctx, slug, key)
	if err != nil {
		return err
	}
	if err := m.store.PersistDevices(ctx, sub.ID, DeviceSet{}); err != nil {
		return err
	}
	m.log.Info().Str("seller", slug).Str("key", MaskKey(key)).Int("released", sub.BoundDevices.Len()).Msg("devices reset")
	return nil
}

func (m *Manager) SetMaxDevices(ctx context.Context, slug, key string, n int) (Subscription, error) {
	if n < 1 {
		return Subscription{}, fmt.Errorf("%w: max devices must be >= 1", ErrInvalidInput)
	}
	_, sub, err := m.find(ctx, slug, key)
	if err != nil {
		return Subscription{}, err
	}
	now := m.clock.Now()
	return m.store.UpdateSubscription(ctx, sub.ID, func(s *Subscription) (bool, error) {
		if s.BoundDevices.Len() > n {
			return false, ErrDeviceLimitBelowBound
		}
		s.MaxDevices = n
		s.UpdatedAt = now
		return true, nil
	})
}

func (m *Manager) DeleteKey(ctx context.Context, slug, key string) error {
	_, sub, err := m.find(ctx, slug, key)
	if err != nil {
		return err
	}
	return m.store.DeleteSubscription(ctx, sub.ID)
}

// ResetSeller deletes every key of a seller.
func (m *Manager) ResetSeller(ctx context.Context, slug string) (int, error) {
	seller, err := m.Seller(ctx, slug)
	if err != nil {
		return 0, err
	}
	n, err := m.store.DeleteSubscriptionsBySeller(ctx, seller.ID)
	if err != nil {
		return 0, err
	}
	m.log.Warn().Str("seller", seller.Slug).Int("deleted", n).Msg("seller keys reset")
	return n, nil
}

func (m *Manager) find(ctx context.Context, slug, key string) (Seller, Subscription, error) {
	seller, err := m.Seller(ctx, slug)
	if err != nil {
		return Seller{}, Subscription{}, err
	}
	sub, err := m.store.FindSubscription(ctx, seller.ID, strings.TrimSpace(key))
	if err != nil {
		return Seller{}, Subscription{}, err
	}
	return seller, sub, nil
}

func (m *Manager) info(sub Subscription, seller Seller) KeyInfo {
	now := m.clock.Now()
	eff := EffectiveExpiry(sub, seller, now)
	return KeyInfo{Subscription: sub, EffectiveExpiry: eff, Expired: !eff.After(now)}
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

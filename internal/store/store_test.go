package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyconnect/internal/clock"
	"keyconnect/internal/license"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// runStoreSuite exercises the behaviour both backends must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("sellers", func(t *testing.T) { testSellers(t, open(t)) })
	t.Run("subscriptions", func(t *testing.T) { testSubscriptions(t, open(t)) })
	t.Run("update subscription", func(t *testing.T) { testUpdateSubscription(t, open(t)) })
	t.Run("maintenance", func(t *testing.T) { testMaintenance(t, open(t)) })
	t.Run("stale pause", func(t *testing.T) { testStalePause(t, open(t)) })
	t.Run("delete by seller", func(t *testing.T) { testDeleteBySeller(t, open(t)) })
	t.Run("concurrent binding", func(t *testing.T) { testConcurrentBinding(t, open(t)) })
}

func newSeller(slug string) license.Seller {
	return license.Seller{
		ID:           uuid.NewString(),
		Slug:         slug,
		Username:     slug + "-user",
		PasswordHash: "hash",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newSubscription(sellerID, key string, maxDevices int) license.Subscription {
	return license.Subscription{
		ID:         uuid.NewString(),
		Key:        key,
		SellerID:   sellerID,
		MaxDevices: maxDevices,
		ExpiresAt:  now.Add(24 * time.Hour),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func mustSeller(t *testing.T, st Store, slug string) license.Seller {
	t.Helper()
	seller, err := st.CreateSeller(context.Background(), newSeller(slug))
	require.NoError(t, err)
	return seller
}

func mustSubscription(t *testing.T, st Store, sellerID, key string, maxDevices int) license.Subscription {
	t.Helper()
	sub, err := st.CreateSubscription(context.Background(), newSubscription(sellerID, key, maxDevices))
	require.NoError(t, err)
	return sub
}

func testSellers(t *testing.T, st Store) {
	ctx := context.Background()
	seller := mustSeller(t, st, "test")

	got, err := st.FindSeller(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, seller.ID, got.ID)
	assert.Equal(t, "test-user", got.Username)

	got, err = st.FindSellerByUsername(ctx, "test-user")
	require.NoError(t, err)
	assert.Equal(t, seller.ID, got.ID)

	_, err = st.FindSeller(ctx, "missing")
	assert.ErrorIs(t, err, license.ErrNotFound)

	dup := newSeller("test")
	dup.Username = "someone-else"
	_, err = st.CreateSeller(ctx, dup)
	assert.ErrorIs(t, err, license.ErrSellerExists)

	updated, err := st.UpdateSeller(ctx, seller.ID, func(s *license.Seller) error {
		s.Suspended = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, updated.Suspended)

	mustSeller(t, st, "second")
	sellers, err := st.ListSellers(ctx)
	require.NoError(t, err)
	assert.Len(t, sellers, 2)
}

func testSubscriptions(t *testing.T, st Store) {
	ctx := context.Background()
	a := mustSeller(t, st, "a")
	b := mustSeller(t, st, "b")

	subA := mustSubscription(t, st, a.ID, "ABC123", 1)
	subB := mustSubscription(t, st, b.ID, "ABC123", 2)

	_, err := st.CreateSubscription(ctx, newSubscription(a.ID, "ABC123", 1))
	assert.ErrorIs(t, err, license.ErrDuplicateKey)

	got, err := st.FindSubscription(ctx, a.ID, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, subA.ID, got.ID)
	assert.Equal(t, 1, got.MaxDevices)
	assert.True(t, got.ExpiresAt.Equal(subA.ExpiresAt))

	got, err = st.FindSubscription(ctx, b.ID, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, subB.ID, got.ID)

	_, err = st.FindSubscription(ctx, a.ID, "abc123")
	assert.ErrorIs(t, err, license.ErrNotFound, "keys are case sensitive")

	require.NoError(t, st.PersistDevices(ctx, subA.ID, license.NewDeviceSet("dev1")))
	require.NoError(t, st.PersistExpiry(ctx, subA.ID, now.Add(time.Hour)))
	got, err = st.FindSubscription(ctx, a.ID, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev1"}, got.BoundDevices.Slice())
	assert.True(t, got.ExpiresAt.Equal(now.Add(time.Hour)))

	subs, err := st.ListSubscriptions(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	require.NoError(t, st.DeleteSubscription(ctx, subA.ID))
	_, err = st.FindSubscription(ctx, a.ID, "ABC123")
	assert.ErrorIs(t, err, license.ErrNotFound)
	assert.ErrorIs(t, st.DeleteSubscription(ctx, subA.ID), license.ErrNotFound)

	_, err = st.FindSubscription(ctx, b.ID, "ABC123")
	assert.NoError(t, err)
}

func testUpdateSubscription(t *testing.T, st Store) {
	ctx := context.Background()
	seller := mustSeller(t, st, "test")
	sub := mustSubscription(t, st, seller.ID, "ABC123", 1)

	_, err := st.UpdateSubscription(ctx, sub.ID, func(s *license.Subscription) (bool, error) {
		s.Note = "not written"
		return false, nil
	})
	require.NoError(t, err)
	got, err := st.FindSubscription(ctx, seller.ID, "ABC123")
	require.NoError(t, err)
	assert.Empty(t, got.Note)

	updated, err := st.UpdateSubscription(ctx, sub.ID, func(s *license.Subscription) (bool, error) {
		s.Note = "written"
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "written", updated.Note)

	boom := fmt.Errorf("boom")
	_, err = st.UpdateSubscription(ctx, sub.ID, func(s *license.Subscription) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = st.UpdateSubscription(ctx, "missing-"+uuid.NewString(), func(s *license.Subscription) (bool, error) {
		return true, nil
	})
	assert.ErrorIs(t, err, license.ErrNotFound)

	_, err = st.UpdateSubscription(ctx, sub.ID, func(s *license.Subscription) (bool, error) {
		s.BoundDevices = license.NewDeviceSet("dev1", "dev2")
		return true, nil
	})
	assert.Error(t, err, "device list may never exceed the limit")
}

func testMaintenance(t *testing.T, st Store) {
	ctx := context.Background()
	seller := mustSeller(t, st, "test")
	other := mustSeller(t, st, "other")
	sub := mustSubscription(t, st, seller.ID, "ABC123", 1)
	otherSub := mustSubscription(t, st, other.ID, "ABC123", 1)

	updated, err := st.SetMaintenance(ctx, seller.ID, true, now)
	require.NoError(t, err)
	assert.True(t, updated.MaintenanceMode)

	got, err := st.FindSubscription(ctx, seller.ID, sub.Key)
	require.NoError(t, err)
	require.NotNil(t, got.MaintenancePausedAt)
	assert.True(t, got.MaintenancePausedAt.Equal(now))

	// Enabling twice keeps the first pause instant.
	_, err = st.SetMaintenance(ctx, seller.ID, true, now.Add(time.Hour))
	require.NoError(t, err)
	got, err = st.FindSubscription(ctx, seller.ID, sub.Key)
	require.NoError(t, err)
	assert.True(t, got.MaintenancePausedAt.Equal(now))

	untouched, err := st.FindSubscription(ctx, other.ID, otherSub.Key)
	require.NoError(t, err)
	assert.Nil(t, untouched.MaintenancePausedAt)

	_, err = st.SetMaintenance(ctx, seller.ID, false, now.Add(2*time.Hour))
	require.NoError(t, err)
	got, err = st.FindSubscription(ctx, seller.ID, sub.Key)
	require.NoError(t, err)
	assert.Nil(t, got.MaintenancePausedAt)
	assert.True(t, got.ExpiresAt.Equal(sub.ExpiresAt.Add(2*time.Hour)))
}

// testStalePause leaves a pause on a subscription while its seller is out of
// maintenance. The next window must credit only its own duration.
func testStalePause(t *testing.T, st Store) {
	ctx := context.Background()
	seller := mustSeller(t, st, "test")
	sub := mustSubscription(t, st, seller.ID, "ABC123", 1)
	_, err := st.UpdateSubscription(ctx, sub.ID, func(s *license.Subscription) (bool, error) {
		return license.Pause(s, now), nil
	})
	require.NoError(t, err)

	windowStart := now.Add(240 * time.Hour)
	_, err = st.SetMaintenance(ctx, seller.ID, true, windowStart)
	require.NoError(t, err)
	got, err := st.FindSubscription(ctx, seller.ID, sub.Key)
	require.NoError(t, err)
	require.NotNil(t, got.MaintenancePausedAt)
	assert.True(t, got.MaintenancePausedAt.Equal(windowStart))

	_, err = st.SetMaintenance(ctx, seller.ID, false, windowStart.Add(time.Hour))
	require.NoError(t, err)
	got, err = st.FindSubscription(ctx, seller.ID, sub.Key)
	require.NoError(t, err)
	assert.Nil(t, got.MaintenancePausedAt)
	assert.True(t, got.ExpiresAt.Equal(sub.ExpiresAt.Add(time.Hour)), "got %s", got.ExpiresAt)
}

func testDeleteBySeller(t *testing.T, st Store) {
	ctx := context.Background()
	seller := mustSeller(t, st, "test")
	other := mustSeller(t, st, "other")
	for i := 0; i < 3; i++ {
		mustSubscription(t, st, seller.ID, fmt.Sprintf("KEY-%d", i), 1)
	}
	mustSubscription(t, st, other.ID, "KEY-0", 1)

	n, err := st.DeleteSubscriptionsBySeller(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	subs, err := st.ListSubscriptions(ctx, seller.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)
	subs, err = st.ListSubscriptions(ctx, other.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	// The key is free again inside the reset seller.
	mustSubscription(t, st, seller.ID, "KEY-0", 1)
}

// testConcurrentBinding races many devices through the validator for one
// free slot. Exactly one may win; every other device is turned away.
func testConcurrentBinding(t *testing.T, st Store) {
	ctx := context.Background()
	seller := mustSeller(t, st, "test")
	mustSubscription(t, st, seller.ID, "ABC123", 1)
	validator := license.NewValidator(st, clock.NewManual(now), zerolog.Nop())

	const workers = 16
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		registered []string
		rejected   int
	)
	for i := 0; i < workers; i++ {
		device := fmt.Sprintf("dev-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := validator.Validate(ctx, license.Request{Key: "ABC123", UUID: device, SellerSlug: "test"})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case res.Outcome == license.OutcomeSuccess && res.Registered:
				registered = append(registered, device)
			case res.Outcome == license.OutcomeDeviceLimitReached:
				rejected++
			default:
				t.Errorf("device %s: unexpected outcome %s", device, res.Outcome)
			}
		}()
	}
	wg.Wait()

	require.Len(t, registered, 1)
	assert.Equal(t, workers-1, rejected)
	got, err := st.FindSubscription(ctx, seller.ID, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, registered, got.BoundDevices.Slice())
}

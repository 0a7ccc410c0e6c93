package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"keyconnect/internal/license"
)

const (
	bucketSellers          = "sellers"
	bucketSellerSlugs      = "seller_slugs"
	bucketSellerUsernames  = "seller_usernames"
	bucketSubscriptions    = "subscriptions"
	bucketSubscriptionKeys = "subscription_keys"
)

var allBuckets = []string{
	bucketSellers,
	bucketSellerSlugs,
	bucketSellerUsernames,
	bucketSubscriptions,
	bucketSubscriptionKeys,
}

// BBoltStore keeps everything in one bbolt file. bbolt allows a single
// writer at a time, which is what serialises device binding per
// subscription.
type BBoltStore struct {
	db *bbolt.DB
}

func OpenBBolt(path string, timeout time.Duration) (*BBoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open bbolt %s: %w", path, err)
	}
	st := &BBoltStore{db: db}
	if err := st.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return st, nil
}

func (s *BBoltStore) Close() error { return s.db.Close() }

// DB exposes the handle for stats collection.
func (s *BBoltStore) DB() *bbolt.DB { return s.db }

func (s *BBoltStore) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *BBoltStore) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

// Sellers

func (s *BBoltStore) CreateSeller(ctx context.Context, seller license.Seller) (license.Seller, error) {
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		slugs := tx.Bucket([]byte(bucketSellerSlugs))
		names := tx.Bucket([]byte(bucketSellerUsernames))
		if slugs.Get([]byte(seller.Slug)) != nil || names.Get([]byte(seller.Username)) != nil {
			return license.ErrSellerExists
		}
		if err := slugs.Put([]byte(seller.Slug), []byte(seller.ID)); err != nil {
			return err
		}
		if err := names.Put([]byte(seller.Username), []byte(seller.ID)); err != nil {
			return err
		}
		return putJSON(tx, bucketSellers, seller.ID, seller)
	})
	if err != nil {
		return license.Seller{}, err
	}
	return seller, nil
}

func (s *BBoltStore) FindSeller(ctx context.Context, slug string) (license.Seller, error) {
	return s.findSellerBy(ctx, bucketSellerSlugs, slug)
}

func (s *BBoltStore) FindSellerByUsername(ctx context.Context, username string) (license.Seller, error) {
	return s.findSellerBy(ctx, bucketSellerUsernames, username)
}

func (s *BBoltStore) findSellerBy(ctx context.Context, index, value string) (license.Seller, error) {
	var seller license.Seller
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(index)).Get([]byte(value))
		if id == nil {
			return license.ErrNotFound
		}
		var err error
		seller, err = getSeller(tx, string(id))
		return err
	})
	return seller, err
}

func (s *BBoltStore) ListSellers(ctx context.Context) ([]license.Seller, error) {
	var out []license.Seller
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketSellers)).ForEach(func(_, v []byte) error {
			var seller license.Seller
			if err := json.Unmarshal(v, &seller); err != nil {
				return err
			}
			out = append(out, seller)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *BBoltStore) UpdateSeller(ctx context.Context, id string, fn func(*license.Seller) error) (license.Seller, error) {
	var updated license.Seller
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		seller, err := getSeller(tx, id)
		if err != nil {
			return err
		}
		if err := fn(&seller); err != nil {
			return err
		}
		updated = seller
		return putJSON(tx, bucketSellers, seller.ID, seller)
	})
	return updated, err
}

func (s *BBoltStore) SetMaintenance(ctx context.Context, sellerID string, enabled bool, now time.Time) (license.Seller, error) {
	var updated license.Seller
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		seller, err := getSeller(tx, sellerID)
		if err != nil {
			return err
		}
		wasOn := seller.MaintenanceMode
		seller.MaintenanceMode = enabled
		seller.UpdatedAt = now
		if err := putJSON(tx, bucketSellers, seller.ID, seller); err != nil {
			return err
		}
		ids, err := sellerSubscriptionIDs(tx, sellerID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			sub, err := getSubscription(tx, id)
			if err != nil {
				return err
			}
			if !license.ApplyMaintenance(&sub, wasOn, enabled, now) {
				continue
			}
			if err := putJSON(tx, bucketSubscriptions, sub.ID, sub); err != nil {
				return err
			}
		}
		updated = seller
		return nil
	})
	return updated, err
}

// Subscriptions

func (s *BBoltStore) CreateSubscription(ctx context.Context, sub license.Subscription) (license.Subscription, error) {
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		if _, err := getSeller(tx, sub.SellerID); err != nil {
			return err
		}
		keys := tx.Bucket([]byte(bucketSubscriptionKeys))
		idx := keyIndex(sub.SellerID, sub.Key)
		if keys.Get(idx) != nil {
			return license.ErrDuplicateKey
		}
		if err := keys.Put(idx, []byte(sub.ID)); err != nil {
			return err
		}
		return putJSON(tx, bucketSubscriptions, sub.ID, sub)
	})
	if err != nil {
		return license.Subscription{}, err
	}
	return sub, nil
}

func (s *BBoltStore) FindSubscription(ctx context.Context, sellerID, key string) (license.Subscription, error) {
	var sub license.Subscription
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(bucketSubscriptionKeys)).Get(keyIndex(sellerID, key))
		if id == nil {
			return license.ErrNotFound
		}
		var err error
		sub, err = getSubscription(tx, string(id))
		return err
	})
	return sub, err
}

func (s *BBoltStore) ListSubscriptions(ctx context.Context, sellerID string) ([]license.Subscription, error) {
	var out []license.Subscription
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		ids, err := sellerSubscriptionIDs(tx, sellerID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			sub, err := getSubscription(tx, id)
			if err != nil {
				return err
			}
			out = append(out, sub)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *BBoltStore) UpdateSubscription(ctx context.Context, id string, fn func(*license.Subscription) (bool, error)) (license.Subscription, error) {
	var result license.Subscription
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		sub, err := getSubscription(tx, id)
		if err != nil {
			return err
		}
		changed, err := fn(&sub)
		if err != nil {
			return err
		}
		if sub.BoundDevices.Len() > sub.MaxDevices {
			return fmt.Errorf("subscription %s: %d devices over limit %d", id, sub.BoundDevices.Len(), sub.MaxDevices)
		}
		result = sub
		if !changed {
			return nil
		}
		return putJSON(tx, bucketSubscriptions, sub.ID, sub)
	})
	if err != nil {
		return license.Subscription{}, err
	}
	return result, nil
}

func (s *BBoltStore) PersistDevices(ctx context.Context, id string, devices license.DeviceSet) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		sub, err := getSubscription(tx, id)
		if err != nil {
			return err
		}
		if devices.Len() > sub.MaxDevices {
			return license.ErrDeviceLimitBelowBound
		}
		sub.BoundDevices = devices
		sub.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketSubscriptions, sub.ID, sub)
	})
}

func (s *BBoltStore) PersistExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		sub, err := getSubscription(tx, id)
		if err != nil {
			return err
		}
		sub.ExpiresAt = expiresAt
		sub.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketSubscriptions, sub.ID, sub)
	})
}

func (s *BBoltStore) DeleteSubscription(ctx context.Context, id string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		sub, err := getSubscription(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(bucketSubscriptionKeys)).Delete(keyIndex(sub.SellerID, sub.Key)); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketSubscriptions)).Delete([]byte(id))
	})
}

func (s *BBoltStore) DeleteSubscriptionsBySeller(ctx context.Context, sellerID string) (int, error) {
	n := 0
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		keys := tx.Bucket([]byte(bucketSubscriptionKeys))
		subs := tx.Bucket([]byte(bucketSubscriptions))
		prefix := sellerPrefix(sellerID)
		// Collect first: deleting while a cursor walks the bucket skips entries.
		var idx, ids [][]byte
		c := keys.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			idx = append(idx, append([]byte(nil), k...))
			ids = append(ids, append([]byte(nil), v...))
		}
		for i := range idx {
			if err := keys.Delete(idx[i]); err != nil {
				return err
			}
			if err := subs.Delete(ids[i]); err != nil {
				return err
			}
		}
		n = len(idx)
		return nil
	})
	return n, err
}

func getSeller(tx *bbolt.Tx, id string) (license.Seller, error) {
	var seller license.Seller
	err := getJSON(tx, bucketSellers, id, &seller)
	return seller, err
}

func getSubscription(tx *bbolt.Tx, id string) (license.Subscription, error) {
	var sub license.Subscription
	err := getJSON(tx, bucketSubscriptions, id, &sub)
	return sub, err
}

func getJSON(tx *bbolt.Tx, bucket, id string, v any) error {
	raw := tx.Bucket([]byte(bucket)).Get([]byte(id))
	if raw == nil {
		return license.ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", bucket, id, err)
	}
	return nil
}

func putJSON(tx *bbolt.Tx, bucket, id string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, id, err)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(id), buf)
}

func sellerSubscriptionIDs(tx *bbolt.Tx, sellerID string) ([]string, error) {
	prefix := sellerPrefix(sellerID)
	var ids []string
	c := tx.Bucket([]byte(bucketSubscriptionKeys)).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		ids = append(ids, string(v))
	}
	return ids, nil
}

// Index keys are sellerID NUL key, so one seller's keys are contiguous.
func sellerPrefix(sellerID string) []byte {
	return append([]byte(sellerID), 0)
}

func keyIndex(sellerID, key string) []byte {
	return append(sellerPrefix(sellerID), key...)
}

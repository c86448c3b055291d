package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSubscriptions = []byte("subscriptions")

	// ErrSubscriptionNotFound is returned when a subscription id is unknown.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrInvalidSubscription is returned when a subscription fails validation.
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// Subscription registers an HTTP endpoint for event delivery.
type Subscription struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Secret     string    `json:"secret"`
	EventTypes []string  `json:"eventTypes,omitempty"`
	RateLimit  int       `json:"rateLimit,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Matches reports whether the subscription wants the given event type. An
// empty EventTypes list subscribes to everything.
func (s Subscription) Matches(eventType string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

func (s Subscription) validate() error {
	trimmed := strings.TrimSpace(s.URL)
	if trimmed == "" || (!strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://")) {
		return ErrInvalidSubscription
	}
	if strings.TrimSpace(s.Secret) == "" {
		return ErrInvalidSubscription
	}
	return nil
}

// Store persists webhook subscriptions.
type Store struct {
	db *bolt.DB
}

// NewStore initialises the BoltDB-backed subscription registry.
func NewStore(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSubscriptions)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Add persists a new subscription, assigning an id when none is supplied.
func (s *Store) Add(sub Subscription) (Subscription, error) {
	if err := sub.validate(); err != nil {
		return Subscription{}, err
	}
	if strings.TrimSpace(sub.ID) == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	sub.Active = true
	err := s.db.Update(func(tx *bolt.Tx) error {
		encoded, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSubscriptions).Put([]byte(sub.ID), encoded)
	})
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// Get fetches a subscription by id.
func (s *Store) Get(id string) (Subscription, error) {
	var sub Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSubscriptions).Get([]byte(id))
		if raw == nil {
			return ErrSubscriptionNotFound
		}
		return json.Unmarshal(raw, &sub)
	})
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// List returns every registered subscription.
func (s *Store) List() ([]Subscription, error) {
	var subs []Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).ForEach(func(_, raw []byte) error {
			var sub Subscription
			if err := json.Unmarshal(raw, &sub); err != nil {
				return err
			}
			subs = append(subs, sub)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// ListForEvent returns the active subscriptions interested in an event type.
func (s *Store) ListForEvent(eventType string) ([]Subscription, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	matched := make([]Subscription, 0, len(all))
	for _, sub := range all {
		if sub.Active && sub.Matches(eventType) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

// SetActive toggles delivery for a subscription.
func (s *Store) SetActive(id string, active bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSubscriptions)
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return ErrSubscriptionNotFound
		}
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return err
		}
		sub.Active = active
		encoded, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), encoded)
	})
}

// Remove deletes a subscription.
func (s *Store) Remove(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSubscriptions)
		if bucket.Get([]byte(id)) == nil {
			return ErrSubscriptionNotFound
		}
		return bucket.Delete([]byte(id))
	})
}

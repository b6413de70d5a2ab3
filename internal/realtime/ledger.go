package realtime

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"mediajobs/internal/domain"
)

// DeliveryBucket is the JetStream KV bucket holding webhook idempotency
// tokens.
const DeliveryBucket = "gen-webhook-deliveries"

// KVDeliveryLedger remembers webhook deliveries in a JetStream key-value
// bucket, shared by every API process connected to the same NATS cluster.
type KVDeliveryLedger struct {
	kv jetstream.KeyValue
}

// NewKVDeliveryLedger creates or updates the bucket. Entries expire after ttl.
func NewKVDeliveryLedger(ctx context.Context, js jetstream.JetStream, ttl time.Duration) (*KVDeliveryLedger, error) {
	cfg := jetstream.KeyValueConfig{
		Bucket:  DeliveryBucket,
		Storage: jetstream.FileStorage,
	}
	if ttl > 0 {
		cfg.TTL = ttl
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating KV bucket %s: %w", DeliveryBucket, err)
	}
	return &KVDeliveryLedger{kv: kv}, nil
}

func (l *KVDeliveryLedger) Claim(ctx context.Context, provider, token string) (bool, error) {
	_, err := l.kv.Create(ctx, deliveryKey(provider, token), []byte(time.Now().UTC().Format(time.RFC3339)))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("claim delivery: %w", err)
	}
	return true, nil
}

func (l *KVDeliveryLedger) Release(ctx context.Context, provider, token string) error {
	err := l.kv.Delete(ctx, deliveryKey(provider, token))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("release delivery: %w", err)
	}
	return nil
}

// deliveryKey hashes the pair into the KV key alphabet.
func deliveryKey(provider, token string) string {
	sum := sha256.Sum256([]byte(provider + "\x00" + token))
	return fmt.Sprintf("%x", sum)
}

var _ domain.DeliveryLedger = (*KVDeliveryLedger)(nil)

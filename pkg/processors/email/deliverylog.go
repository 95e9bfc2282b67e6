package email

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeliveryEntry is one row of the delivery log.
type DeliveryEntry struct {
	To                string    `json:"to"`
	Subject           string    `json:"subject"`
	RelatedEntityType string    `json:"relatedEntityType,omitempty"`
	RelatedEntityID   string    `json:"relatedEntityId,omitempty"`
	ProviderID        string    `json:"providerId,omitempty"`
	Status            string    `json:"status"` // sent | failed
	Detail            string    `json:"detail,omitempty"`
	SentAt            time.Time `json:"sentAt"`
}

// DeliveryLog keeps a trimmed history of dispatch outcomes in Redis, the
// same bookkeeping store the queue core already owns.
type DeliveryLog struct {
	rdb  *redis.Client
	keep int64
}

func NewDeliveryLog(rdb *redis.Client) *DeliveryLog {
	return &DeliveryLog{rdb: rdb, keep: 1000}
}

// Record appends one entry, keeping the most recent entries only.
func (l *DeliveryLog) Record(ctx context.Context, entry DeliveryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := l.rdb.TxPipeline()
	pipe.RPush(ctx, "maillog", data)
	pipe.LTrim(ctx, "maillog", -l.keep, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to n most recent entries, newest last.
func (l *DeliveryLog) Recent(ctx context.Context, n int64) ([]DeliveryEntry, error) {
	raws, err := l.rdb.LRange(ctx, "maillog", -n, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeliveryEntry, 0, len(raws))
	for _, raw := range raws {
		var e DeliveryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

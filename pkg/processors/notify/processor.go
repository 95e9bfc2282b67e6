// Package notify implements the Notification processor: best-effort
// fan-out of user-visible status over the requested channels without
// coupling the other processors to any transport. Websocket pushes ride on
// Redis Pub/Sub; SMS delegates to an external gateway; the email channel
// re-enqueues through the Email queue.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hvilchis/facturaq/pkg/httpclient"
	"github.com/hvilchis/facturaq/pkg/jobs"
	"github.com/hvilchis/facturaq/pkg/logger"
	"github.com/hvilchis/facturaq/pkg/queue"
)

// PushGateway is the external mobile-push / SMS gateway.
type PushGateway interface {
	Push(ctx context.Context, userID, title, message string, data map[string]string) error
	SMS(ctx context.Context, userID, message string) error
}

// Enqueuer is the slice of the queue registry used for the email channel.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, handler string, payload any, opts ...queue.Option) (string, error)
}

// Processor fans one notification out to its channels.
type Processor struct {
	rdb     *redis.Client
	gateway PushGateway
	enq     Enqueuer
	log     zerolog.Logger
}

func New(rdb *redis.Client, gateway PushGateway, enq Enqueuer) *Processor {
	return &Processor{
		rdb:     rdb,
		gateway: gateway,
		enq:     enq,
		log:     logger.Log.With().Str("processor", "notify").Logger(),
	}
}

// Mount registers the handler on the Notification queue.
func (p *Processor) Mount(q *queue.Queue) error {
	return q.Handle("enviar-notificacion", p.EnviarNotificacion)
}

// EnviarNotificacion delivers over every requested channel. Channel
// failures are logged and never fail the job: the Notification queue is
// best effort and fails silently beyond logging.
func (p *Processor) EnviarNotificacion(ctx context.Context, job *jobs.Job) error {
	var pl jobs.NotificationPayload
	if err := job.Decode(&pl); err != nil {
		return jobs.Validationf("enviar-notificacion payload: %v", err)
	}
	if pl.Title == "" && pl.Message == "" {
		return jobs.Validationf("enviar-notificacion payload is empty")
	}

	for _, channel := range pl.Channels {
		var err error
		switch channel {
		case "websocket":
			err = p.publish(ctx, pl)
		case "push":
			err = p.gateway.Push(ctx, pl.UserID, pl.Title, pl.Message, pl.Data)
		case "sms":
			err = p.gateway.SMS(ctx, pl.UserID, pl.Message)
		case "email":
			err = p.chainEmail(ctx, pl)
		default:
			err = fmt.Errorf("unknown channel %q", channel)
		}
		if err != nil {
			p.log.Warn().Err(err).
				Str("channel", channel).
				Str("user_id", pl.UserID).
				Msg("Notification channel failed")
		}
	}
	return nil
}

// publish pushes the notification onto the user's Pub/Sub topic, where the
// websocket gateway subscribes.
func (p *Processor) publish(ctx context.Context, pl jobs.NotificationPayload) error {
	data, err := json.Marshal(pl)
	if err != nil {
		return err
	}
	topic := "notifications:" + pl.UserID
	if pl.UserID == "" {
		topic = "notifications:org:" + pl.OrganizationID
	}
	return p.rdb.Publish(ctx, topic, data).Err()
}

func (p *Processor) chainEmail(ctx context.Context, pl jobs.NotificationPayload) error {
	if pl.Data["email"] == "" {
		return fmt.Errorf("email channel requested without an address")
	}
	_, err := p.enq.Enqueue(ctx, jobs.QueueEmail, "send-email", jobs.EmailPayload{
		To:             pl.Data["email"],
		Subject:        pl.Title,
		Template:       "notification",
		Context:        map[string]string{"message": pl.Message, "type": pl.Type},
		UserID:         pl.UserID,
		OrganizationID: pl.OrganizationID,
	})
	return err
}

type httpGateway struct{ c *httpclient.Client }

// NewHTTPGateway builds the push/SMS gateway client.
func NewHTTPGateway(c *httpclient.Client) PushGateway { return &httpGateway{c} }

func (g *httpGateway) Push(ctx context.Context, userID, title, message string, data map[string]string) error {
	req := map[string]any{"userId": userID, "title": title, "message": message, "data": data}
	return g.c.Post(ctx, "/api/push", req, nil)
}

func (g *httpGateway) SMS(ctx context.Context, userID, message string) error {
	req := map[string]string{"userId": userID, "message": message}
	return g.c.Post(ctx, "/api/sms", req, nil)
}

package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/tapline/cfg"
	"github.com/maxpert/tapline/destination"
	"github.com/maxpert/tapline/mutation"
	"github.com/maxpert/tapline/transformer"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const (
	keyHeader         = "key"
	mutationIDHeader  = "mutation-id"
	defaultNatsMaxAge = 24 * time.Hour
	publishAckTimeout = 5 * time.Second
)

func init() {
	Register("nats", func(config cfg.SinkConfiguration, filter destination.Filter, tr transformer.Transformer) (destination.Destination, error) {
		return NewNats(NatsConfig{
			Name:     config.Name,
			URL:      config.NatsURL,
			Subject:  config.Topic,
			Async:    config.Async,
			Compress: config.Compress,
		}, filter, tr)
	})
}

// NatsConfig holds configuration for the NATS JetStream sink
type NatsConfig struct {
	Name     string
	URL      string
	Subject  string
	Async    bool
	Compress bool
	MaxAge   time.Duration // stream retention, default 24h
}

// streamPublisher is the subset of jetstream.JetStream used by the sink
type streamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	PublishMsgAsync(msg *nats.Msg, opts ...jetstream.PublishOpt) (jetstream.PubAckFuture, error)
}

// Nats publishes mutations to a JetStream subject. The stream is created on
// Open when it does not exist yet.
type Nats struct {
	*base
	config NatsConfig
	nc     *nats.Conn
	js     streamPublisher
}

func NewNats(config NatsConfig, filter destination.Filter, tr transformer.Transformer) (*Nats, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("nats sink requires nats_url")
	}
	if config.Subject == "" {
		return nil, fmt.Errorf("nats sink requires a subject")
	}
	if tr == nil {
		return nil, fmt.Errorf("nats sink requires a transformer")
	}
	if config.MaxAge == 0 {
		config.MaxAge = defaultNatsMaxAge
	}
	if config.Name == "" {
		config.Name = "nats"
	}

	return &Nats{
		base:   newBase(config.Name, filter, tr, config.Compress),
		config: config,
	}, nil
}

func (n *Nats) Open(ctx context.Context) error {
	nc, err := nats.Connect(n.config.URL,
		nats.Name("tapline-"+n.name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			n.NotifyError(&destination.DeliveryError{Op: "connection", Destination: n.name, Err: err})
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc, jetstream.WithPublishAsyncErrHandler(n.asyncError))
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream := streamName(n.config.Subject)
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{n.config.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    n.config.MaxAge,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to ensure stream %s: %w", stream, err)
	}

	n.nc = nc
	n.js = js
	n.started.Store(true)

	log.Info().
		Str("sink", n.name).
		Str("subject", n.config.Subject).
		Str("stream", stream).
		Bool("async", n.config.Async).
		Msg("NATS sink opened")
	return nil
}

func (n *Nats) Send(ctx context.Context, mutations []mutation.Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	if n.js == nil {
		return &destination.DeliveryError{Op: "publish", Destination: n.name, Err: fmt.Errorf("sink not open")}
	}

	records, err := n.render(mutations)
	if err != nil {
		return err
	}

	var pending []asyncPublish
	for _, r := range records {
		msg := n.message(r)
		if n.config.Async {
			var future jetstream.PubAckFuture
			future, err = n.js.PublishMsgAsync(msg)
			if err == nil {
				pending = append(pending, asyncPublish{future: future, m: r.m})
			}
		} else {
			pubCtx, cancel := context.WithTimeout(ctx, publishAckTimeout)
			_, err = n.js.PublishMsg(pubCtx, msg)
			cancel()
		}
		if err != nil {
			n.acknowledgeAcked(pending)
			return &destination.DeliveryError{
				Op:          "publish",
				Destination: n.name,
				Err:         fmt.Errorf("failed to publish to %s: %w", n.config.Subject, err),
			}
		}
		if !n.config.Async {
			n.acknowledge(r.m)
		}
	}

	if n.config.Async {
		acked, err := n.awaitAcks(ctx, pending)
		if err != nil {
			return err
		}
		if !acked {
			// failed acks already reached listeners through asyncError
			return nil
		}
	}
	n.acknowledge(mutations[len(mutations)-1])
	return nil
}

// asyncPublish pairs an in-flight publish with its mutation
type asyncPublish struct {
	future jetstream.PubAckFuture
	m      mutation.Mutation
}

// awaitAcks waits for the futures in order and acknowledges each stored
// mutation. It stops advancing at the first failed ack and reports whether
// every publish was stored.
func (n *Nats) awaitAcks(ctx context.Context, pending []asyncPublish) (bool, error) {
	for _, p := range pending {
		select {
		case <-p.future.Ok():
			n.acknowledge(p.m)
		case err := <-p.future.Err():
			log.Debug().
				Err(err).
				Str("sink", n.name).
				Int64("mutation_id", p.m.Metadata.ID).
				Msg("JetStream ack failed, last published not advanced")
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return true, nil
}

// acknowledgeAcked advances past already stored publishes without waiting
func (n *Nats) acknowledgeAcked(pending []asyncPublish) {
	for _, p := range pending {
		select {
		case <-p.future.Ok():
			n.acknowledge(p.m)
		default:
			return
		}
	}
}

func (n *Nats) message(r record) *nats.Msg {
	msg := nats.NewMsg(n.config.Subject)
	msg.Data = r.value
	msg.Header.Set(keyHeader, r.key)
	msg.Header.Set(mutationIDHeader, fmt.Sprint(r.m.Metadata.ID))
	return msg
}

func (n *Nats) asyncError(_ jetstream.JetStream, msg *nats.Msg, err error) {
	log.Error().
		Err(err).
		Str("sink", n.name).
		Str("mutation_id", msg.Header.Get(mutationIDHeader)).
		Msg("Async JetStream publish failed")
	n.NotifyError(&destination.DeliveryError{Op: "publish", Destination: n.name, Err: err})
}

func (n *Nats) Close() error {
	n.started.Store(false)
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// streamName converts a subject to a valid JetStream stream name
func streamName(subject string) string {
	return strings.NewReplacer(".", "_", "*", "ALL", ">", "REST").Replace(subject)
}

package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/semanticd/internal/config"
	"github.com/fyrsmithlabs/semanticd/internal/event"
)

const (
	// originHeader carries the publishing node's id on every bridged
	// message so a node can skip its own traffic.
	originHeader = "Semanticd-Origin"

	// tagRemote marks locally injected events that arrived over NATS;
	// the outbound handler never re-publishes them.
	tagRemote = "remote"

	serverReadyTimeout = 5 * time.Second
)

// ErrServerNotReady is returned when the embedded server does not accept
// connections within the startup timeout.
var ErrServerNotReady = errors.New("embedded nats server not ready")

// Bridge connects one broker to a NATS deployment.
type Bridge struct {
	nc     *nats.Conn
	broker *event.Broker
	logger *zap.Logger

	prefix string
	nodeID string

	localSubID string
	natsSub    *nats.Subscription

	embedded *natsserver.Server
}

// New connects to NATS, or starts an embedded server first when
// cfg.Embedded is set, and begins mirroring in both directions. nodeID
// distinguishes this daemon instance on shared subjects.
func New(cfg config.NATSConfig, broker *event.Broker, nodeID string, logger *zap.Logger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bridge{
		broker: broker,
		logger: logger.Named("natsbridge"),
		prefix: cfg.SubjectPrefix,
		nodeID: nodeID,
	}

	url := cfg.URL
	if cfg.Embedded {
		srv, err := startEmbedded()
		if err != nil {
			return nil, err
		}
		b.embedded = srv
		url = srv.ClientURL()
		b.logger.Info("embedded nats server started", zap.String("url", url))
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		b.shutdownEmbedded()
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	b.nc = nc

	if err := b.start(); err != nil {
		nc.Close()
		b.shutdownEmbedded()
		return nil, err
	}

	b.logger.Info("nats bridge running",
		zap.String("url", url),
		zap.String("subject_prefix", b.prefix),
		zap.String("node_id", nodeID))
	return b, nil
}

func startEmbedded() (*natsserver.Server, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(serverReadyTimeout) {
		srv.Shutdown()
		return nil, ErrServerNotReady
	}
	return srv, nil
}

func (b *Bridge) start() error {
	subID, err := b.broker.Subscribe(&event.Subscription{
		SubscriberID: "Bridge:" + b.nodeID,
		EventTypes:   []string{"*"},
		Handler:      b.outbound,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("subscribing to local broker: %w", err)
	}
	b.localSubID = subID

	sub, err := b.nc.Subscribe(b.prefix+".>", b.inbound)
	if err != nil {
		_ = b.broker.Unsubscribe(subID)
		return fmt.Errorf("subscribing to %s.>: %w", b.prefix, err)
	}
	b.natsSub = sub

	// The SUB command is sent asynchronously; flush so the subscription is
	// live on the server before New returns and mirroring is promised.
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		_ = b.broker.Unsubscribe(subID)
		return fmt.Errorf("flushing nats subscription: %w", err)
	}
	return nil
}

// outbound mirrors a locally published event to NATS.
func (b *Bridge) outbound(_ context.Context, ev *event.Event) event.Result {
	for _, tag := range ev.Metadata.Tags {
		if tag == tagRemote {
			return event.Ack()
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return event.Fail(fmt.Errorf("encoding event %s: %w", ev.ID, err))
	}

	msg := nats.NewMsg(b.prefix + "." + ev.Type)
	msg.Header.Set(originHeader, b.nodeID)
	msg.Data = data
	if err := b.nc.PublishMsg(msg); err != nil {
		return event.Retry(0, fmt.Errorf("publishing to nats: %w", err))
	}
	return event.Ack()
}

// inbound injects a remote event into the local broker.
func (b *Bridge) inbound(msg *nats.Msg) {
	if msg.Header.Get(originHeader) == b.nodeID {
		return
	}

	var ev event.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.logger.Warn("dropping undecodable remote event",
			zap.String("subject", msg.Subject), zap.Error(err))
		return
	}

	// A node may hear the same event twice after reconnects.
	if b.broker.Event(ev.ID) != nil {
		return
	}

	ev.Metadata.Tags = append(ev.Metadata.Tags, tagRemote)
	if err := b.broker.Publish(context.Background(), &ev); err != nil {
		b.logger.Warn("dropping invalid remote event",
			zap.String("event_id", ev.ID), zap.Error(err))
	}
}

// NodeID returns this bridge's node identity.
func (b *Bridge) NodeID() string { return b.nodeID }

// ClientURL returns the connected server's URL.
func (b *Bridge) ClientURL() string { return b.nc.ConnectedUrl() }

// Close stops mirroring, drains the connection and shuts down the embedded
// server when one was started.
func (b *Bridge) Close() error {
	var errs []error
	if b.localSubID != "" {
		if err := b.broker.Unsubscribe(b.localSubID); err != nil {
			errs = append(errs, err)
		}
	}
	if b.natsSub != nil {
		if err := b.natsSub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	b.shutdownEmbedded()
	return errors.Join(errs...)
}

func (b *Bridge) shutdownEmbedded() {
	if b.embedded != nil {
		b.embedded.Shutdown()
		b.embedded.WaitForShutdown()
	}
}

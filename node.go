package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/gehhilfe/eventlog/bus"
	"github.com/gehhilfe/eventlog/core"
)

// Subjects names the transport subjects a node uses.
type Subjects struct {
	Ingress string
	Events  string
	Replay  string
}

func DefaultSubjects() Subjects {
	return Subjects{
		Ingress: "ingress",
		Events:  "events",
		Replay:  "replay",
	}
}

// Node runs the ingress consumer, the change publisher, the replay consumer
// and any number of projections against one event log and one bus.
type Node struct {
	name     string
	log      core.EventLog
	bus      core.MessageBus
	subjects Subjects
	opts     []Option
	logger   *slog.Logger

	store       *Store
	publisher   *Publisher
	ingress     *Ingress
	replayer    *Replayer
	projections []*ProjectionEngine
}

func hostnameWithDefault(def string) string {
	hostname, err := os.Hostname()
	if err != nil {
		return def
	}
	return hostname
}

func NewNode(log core.EventLog, mb core.MessageBus, subjects Subjects, opts ...Option) *Node {
	o := newOptions(opts)
	name := hostnameWithDefault("eventlog")
	mb = bus.NewBusLogger(mb)
	store := NewStore(log, opts...)

	return &Node{
		name:      name,
		log:       log,
		bus:       mb,
		subjects:  subjects,
		opts:      opts,
		logger:    o.logger.With(slog.String("node", name)),
		store:     store,
		publisher: NewPublisher(mb, subjects.Events, opts...),
		ingress:   NewIngress(store, mb, subjects.Ingress, opts...),
		replayer:  NewReplayer(store, mb, subjects.Replay, opts...),
	}
}

func (n *Node) Store() *Store {
	return n.store
}

func (n *Node) Ingress() *Ingress {
	return n.ingress
}

func (n *Node) Replayer() *Replayer {
	return n.replayer
}

func (n *Node) Subjects() Subjects {
	return n.subjects
}

// AddProjection registers a projection fed from the events subject. It must
// be called before Start.
func (n *Node) AddProjection(projection *Projection, watermarks core.WatermarkStore) *ProjectionEngine {
	engine := NewProjectionEngine(projection, watermarks, n.opts...)
	n.projections = append(n.projections, engine)
	return engine
}

// Start subscribes every consumer and attaches the publisher to the log.
// Projections subscribe first so no committed event is published before they
// listen. The returned Unsubscriber stops everything.
func (n *Node) Start(ctx context.Context) (core.Unsubscriber, error) {
	u := &unsubscriber{}
	fail := func(err error) (core.Unsubscriber, error) {
		return nil, errors.Join(err, u.Unsubscribe())
	}

	for _, engine := range n.projections {
		sub, err := engine.Subscribe(n.bus, n.subjects.Events)
		if err != nil {
			return fail(fmt.Errorf("failed to subscribe projection %s: %w", engine.projection.id, err))
		}
		u.subscribers = append(u.subscribers, sub)
	}

	u.subscribers = append(u.subscribers, n.publisher.Attach(ctx, n.log))

	sub, err := n.ingress.Consume(n.subjects.Ingress)
	if err != nil {
		return fail(fmt.Errorf("failed to consume ingress: %w", err))
	}
	u.subscribers = append(u.subscribers, sub)

	sub, err = n.replayer.Consume(n.subjects.Replay)
	if err != nil {
		return fail(fmt.Errorf("failed to consume replay requests: %w", err))
	}
	u.subscribers = append(u.subscribers, sub)

	n.logger.Info("node started",
		slog.Int("projections", len(n.projections)),
		slog.String("events", n.subjects.Events),
	)
	return u, nil
}

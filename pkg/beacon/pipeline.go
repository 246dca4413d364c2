package beacon

import (
	"context"
	"net/http"

	"github.com/snehjoshi/beacon/internal/batch"
	"github.com/snehjoshi/beacon/internal/processor"
	"github.com/snehjoshi/beacon/internal/regulator"
	"github.com/snehjoshi/beacon/internal/retry"
	"github.com/snehjoshi/beacon/internal/scheduler"
	"github.com/snehjoshi/beacon/internal/transport/amqp"
	"github.com/snehjoshi/beacon/internal/transport/httpfallback"
	"github.com/snehjoshi/beacon/internal/transport/websocket"
	"github.com/snehjoshi/beacon/internal/warehouse"
)

// HeaderInstallation carries the installation ID on the socket handshake.
const HeaderInstallation = websocket.HeaderInstallation

const (
	pipelineSocket = "socket"
	pipelineBroker = "broker"
)

// pipeline is one independent delivery path: its own outbox, regulator,
// retry manager and serial processor. Pipelines share nothing but the
// database file and the signal hub.
type pipeline struct {
	name       string
	manager    *retry.Manager
	regulator  *regulator.Regulator
	processor  *processor.Processor
	warehouser *warehouse.Warehouser
}

func (p *pipeline) start(ctx context.Context) {
	p.manager.Start(ctx)
	p.processor.Start(ctx)
}

func (t *Tracker) newSocketPipeline(o options) (*pipeline, error) {
	tr := o.socket
	if tr == nil {
		header := http.Header{}
		header.Set(HeaderInstallation, t.identity.ID().String())
		for k, v := range t.cfg.Headers {
			header.Set(k, v)
		}
		tr = websocket.New(t.cfg.Socket,
			websocket.WithLogger(t.logger.With("pipeline", pipelineSocket)),
			websocket.WithHeader(header),
		)
	}
	return t.newPipeline(pipelineSocket, retry.NewSocket(tr), "")
}

func (t *Tracker) newBrokerPipeline(o options) (*pipeline, error) {
	tr := o.broker
	if tr == nil {
		tr = amqp.New(t.cfg.Broker, amqp.WithLogger(t.logger.With("pipeline", pipelineBroker)))
	}
	fb := o.fallback
	if fb == nil && t.cfg.Broker.HTTPFallback.Enabled {
		s, err := httpfallback.New(t.cfg.Broker.HTTPFallback)
		if err != nil {
			return nil, &InitError{Op: "transport", Err: err}
		}
		fb = s
	}
	return t.newPipeline(pipelineBroker, retry.NewBroker(tr, fb, t.cfg.Broker), t.cfg.Broker.RoutingKey)
}

// newPipeline wires store, regulator, retry manager, creator, scheduler,
// processor and warehouser for one strategy.
func (t *Tracker) newPipeline(name string, strat retry.Strategy, topicPrefix string) (*pipeline, error) {
	logger := t.logger.With("pipeline", name)
	pm := t.metrics.Pipeline(name)

	events, err := t.db.Events(name)
	if err != nil {
		return nil, &InitError{Op: "storage", Err: err}
	}
	requests, err := t.db.Requests(name)
	if err != nil {
		return nil, &InitError{Op: "storage", Err: err}
	}

	reg := regulator.New(t.db.Settings(), name, regulator.WithLogger(logger))
	mgr := retry.New(strat, requests, t.hub, t.cfg.Retry,
		retry.WithLogger(logger),
		retry.WithMetrics(pm),
	)
	creator := batch.New(mgr,
		batch.WithLogger(logger),
		batch.WithMetrics(pm),
		batch.WithTopicPrefix(topicPrefix),
	)
	sched := scheduler.New(t.cfg.Priorities, t.cfg.Scheduler.Heartbeat)
	proc := processor.New(events, creator, sched, reg, mgr, t.cfg.Batching,
		processor.WithLogger(logger),
		processor.WithLifecycle(t.hub.Lifecycle()),
	)
	wh := warehouse.New(name, events, proc, reg,
		warehouse.WithLogger(logger),
		warehouse.WithMetrics(pm),
	)

	return &pipeline{
		name:       name,
		manager:    mgr,
		regulator:  reg,
		processor:  proc,
		warehouser: wh,
	}, nil
}

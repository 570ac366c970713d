// Package broker wires the TCP wire endpoint, the request dispatcher, and
// the reaper loop together behind a single-threaded cooperative event loop
// shared by connection handlers, dispatch, and the reaper: a single actor
// goroutine drains a job channel, so the registry never sees two mutators
// running at once, while the TCP accept loop itself stays idiomatically
// concurrent (one goroutine per connection feeding the actor).
package broker

import (
	"context"
	"net"
	"time"

	"github.com/aiserve/gpubroker/internal/engine"
	"github.com/aiserve/gpubroker/internal/logging"
	"github.com/aiserve/gpubroker/internal/wire"
)

// Broker owns the TCP listener plus the actor loop that serializes
// dispatch and reaper work.
type Broker struct {
	listener net.Listener
	engine   *engine.Engine
	log      *logging.BrokerLogger
	jobs     chan func()
	reaperInterval time.Duration
}

func New(listener net.Listener, eng *engine.Engine, log *logging.BrokerLogger, reaperInterval time.Duration) *Broker {
	return &Broker{
		listener:       listener,
		engine:         eng,
		log:            log,
		jobs:           make(chan func()),
		reaperInterval: reaperInterval,
	}
}

// Run starts the actor loop, the reaper ticker, and the TCP accept loop. It
// blocks until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	go b.actorLoop(ctx)
	go b.reaperLoop(ctx)

	go func() {
		<-ctx.Done()
		b.listener.Close()
	}()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				b.log.Errorf("accept: %v", err)
				return err
			}
		}
		go b.handleConn(conn)
	}
}

// actorLoop is the single-threaded dispatch loop: every job (a dispatcher
// call or a reaper tick) runs here, one at a time, so the registry's
// mutators never race.
func (b *Broker) actorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-b.jobs:
			job()
		}
	}
}

func (b *Broker) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(b.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done := make(chan struct{})
			b.jobs <- func() {
				b.engine.ReapDead()
				close(done)
			}
			<-done
		}
	}
}

// handleConn is the wire endpoint's connection handler: one request, one
// reply, per connection.
func (b *Broker) handleConn(conn net.Conn) {
	defer conn.Close()

	body, err := wire.ReadUntilSentinel(conn)
	if err != nil {
		// Stream closed before a full frame arrived: log and drop the
		// connection, committed state untouched.
		b.log.Errorf("stream closed before sentinel: %v", err)
		return
	}

	req, err := wire.DecodeRequest(body)
	if err != nil {
		b.log.Errorf("decode request: %v", err)
		return
	}

	resultCh := make(chan wire.Result, 1)
	b.jobs <- func() {
		resultCh <- b.dispatch(req)
	}
	result := <-resultCh

	encoded, err := wire.EncodeResult(result)
	if err != nil {
		b.log.Errorf("encode result: %v", err)
		return
	}
	if _, err := conn.Write(encoded); err != nil {
		b.log.Errorf("write result: %v", err)
	}
}

// dispatch is the exhaustive tagged-variant match in place of dynamic
// dispatch on message type. Runs inside the actor loop.
func (b *Broker) dispatch(req wire.Request) wire.Result {
	switch {
	case req.Allocate != nil:
		res := b.engine.Allocate(*req.Allocate)
		return wire.Result{Allocate: &res}
	case req.Release != nil:
		res := b.engine.Release(*req.Release)
		return wire.Result{Release: &res}
	case req.Info != nil:
		res := b.engine.SystemInfo()
		return wire.Result{Info: &res}
	default:
		b.log.Errorf("dispatch: request with no recognized variant")
		return wire.Result{}
	}
}

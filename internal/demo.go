package internal

import (
	"context"
	"sync"
	"time"

	"peercall/pkg/api"
	"peercall/pkg/call"
	"peercall/pkg/log"
	"peercall/pkg/metrics"
	"peercall/pkg/signal"

	"github.com/pkg/errors"
)

const (
	demoCaller = signal.PeerID("alice")
	demoCallee = signal.PeerID("bob")

	demoConnectTimeout = 30 * time.Second
)

// runDemo places a call between two clients sharing an in-memory store. The callee
// answers automatically; the caller hangs up after demoDuration.
func (a *App) runDemo(ctx context.Context, cancel context.CancelFunc) error {
	log.Info("Starting peercall demo")
	defer log.Info("Ending peercall demo")

	memory := signal.NewMemory()
	conversationID := signal.PrivateConversationID(demoCaller, demoCallee)

	memory.Seed(signal.Conversation{
		ID:      conversationID,
		Members: []signal.PeerID{demoCaller, demoCallee},
	}, nil)

	store, err := a.seal(memory)
	if err != nil {
		return err
	}

	newController := func(self signal.PeerID) *call.Controller {
		return call.NewController(call.ControllerConfig{Self: self}, store,
			a.negotiatorFactory(store, self), metrics.NewCalls(a.registry, string(self)))
	}

	caller := newController(demoCaller)
	callee := newController(demoCallee)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for _, c := range []*call.Controller{caller, callee} {
		wg.Add(1)
		go func(c *call.Controller) {
			defer wg.Done()

			if err := c.Run(runCtx); err != nil {
				log.Error(err)
			}
		}(c)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		answerIncoming(runCtx, callee)
	}()

	if a.listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()

			srv := api.NewServer(api.ServerConfig{Listen: a.listen, Gatherer: a.registry}, caller)
			if err := srv.Run(runCtx); err != nil {
				log.Error(err)
				cancel()
			}
		}()
	}

	for _, c := range []*call.Controller{caller, callee} {
		if err := c.Open(runCtx, conversationID); err != nil {
			return errors.Wrapf(err, "open conversation as %s", c.Self())
		}
	}

	events, unsubscribe := caller.Subscribe()
	defer unsubscribe()

	if err := caller.InitiateCall(runCtx, conversationID); err != nil {
		return errors.Wrap(err, "initiate demo call")
	}

	if err := waitConnected(runCtx, events); err != nil {
		return err
	}

	log.Infof("Demo call connected, hanging up in %s", a.demoDuration)

	select {
	case <-runCtx.Done():
	case <-time.After(a.demoDuration):
	}

	hangUpCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	return errors.Wrap(caller.HangUp(hangUpCtx, conversationID, false), "hang up demo call")
}

func waitConnected(ctx context.Context, events <-chan call.Event) error {
	timeout := time.NewTimer(demoConnectTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return errors.New("demo call did not connect")
		case ev, ok := <-events:
			if !ok {
				return call.ErrStopped
			}

			if ev.Notice != nil {
				log.Warnf("Demo call: %s (%s)", ev.Notice.Message, ev.Notice.Detail)
			}

			switch {
			case ev.View.Phase.Terminal():
				return errors.Errorf("demo call %s", ev.View.Phase)
			case ev.View.Phase == call.PhaseConnected && ev.View.Connection == "connected":
				return nil
			}
		}
	}
}

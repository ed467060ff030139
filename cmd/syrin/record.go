package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/ormasoftchile/syrin/pkg/config"
	erecorder "github.com/ormasoftchile/syrin/pkg/ecosystem/recorder"
	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/executor"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
	"github.com/ormasoftchile/syrin/pkg/kernel/replay"
	"github.com/ormasoftchile/syrin/pkg/transport"
)

// liveRecorder serves scenarios from one live server connection and keeps
// a capturing caller per scenario until save writes them back.
type liveRecorder struct {
	ctx     context.Context
	secrets []string
	dial    func(ctx context.Context) (*transport.Client, error)

	client   *transport.Client
	captures []capture
}

type capture struct {
	scenario *replay.Scenario
	rec      *erecorder.Recorder
}

func newLiveRecorder(ctx context.Context, cfg *config.Config, em recorder.Emitter, logger *slog.Logger) *liveRecorder {
	return &liveRecorder{
		ctx:     ctx,
		secrets: cfg.Sinks.RedactEnv,
		dial: func(ctx context.Context) (*transport.Client, error) {
			return transport.Dial(ctx, cfg.TransportOptions(), em, events.NewSessionID(),
				transport.WithLogger(logger), transport.WithClientInfo("syrin", version))
		},
	}
}

// caller implements ktesting.Runner.Caller. The connection is opened on the
// first scenario that needs it.
func (l *liveRecorder) caller(sc *replay.Scenario) (executor.Caller, error) {
	if l.client == nil {
		c, err := l.dial(l.ctx)
		if err != nil {
			return nil, err
		}
		l.client = c
	}
	rec := erecorder.New(l.client)
	rec.SetSecrets(l.secrets)
	l.captures = append(l.captures, capture{scenario: sc, rec: rec})
	return rec, nil
}

// save rewrites each served scenario with the responses it received.
func (l *liveRecorder) save() error {
	for _, c := range l.captures {
		if err := c.rec.WriteScenario(filepath.Join(c.scenario.Dir, replay.ScenarioFile), c.scenario); err != nil {
			return err
		}
	}
	l.captures = nil
	return nil
}

func (l *liveRecorder) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}

package busrpc

import (
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"
)

// pump drives a Client: it runs Process until there is no more work,
// then sleeps until the Client signals readiness, the poll interval
// elapses, or the pump is killed.
type pump struct {
	tomb tomb.Tomb
	s    *Session
	// connMu serializes Process with the Session's other uses of the
	// Client.
	connMu *sync.Mutex
}

var _ worker.Worker = (*pump)(nil)

func newPump(s *Session) *pump {
	p := &pump{
		s:      s,
		connMu: &s.connMu,
	}
	p.tomb.Go(p.loop)
	return p
}

// Kill implements the worker.Worker interface.
func (p *pump) Kill() {
	p.tomb.Kill(nil)
}

// Wait implements the worker.Worker interface.
func (p *pump) Wait() error {
	return p.tomb.Wait()
}

func (p *pump) loop() error {
	cfg := p.s.cfg
	for {
		if err := p.drain(); err != nil {
			cfg.Metrics.IncrCounterWithLabels(MetricPumpErrorCount, 1, p.labels())
			logger.Errorf("%s: bus connection failed: %v", cfg.Description, err)
			p.s.fail(err)
			return err
		}
		select {
		case <-p.tomb.Dying():
			return tomb.ErrDying
		case <-p.s.client.Ready():
		case <-cfg.Clock.After(cfg.PollInterval):
		}
	}
}

// drain runs Process until it reports no progress, or the pump is
// killed.
func (p *pump) drain() error {
	for {
		select {
		case <-p.tomb.Dying():
			return nil
		default:
		}
		p.connMu.Lock()
		progress, err := p.s.client.Process()
		p.connMu.Unlock()
		if err != nil {
			return err
		}
		if !progress {
			return nil
		}
		p.s.cfg.Metrics.IncrCounterWithLabels(MetricPumpStepCount, 1, p.labels())
	}
}

func (p *pump) labels() []metrics.Label {
	return []metrics.Label{LabelSession.M(p.s.cfg.Description)}
}

package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// healthLoop pings the idle fleet on a fixed interval. Checked-out
// connections are exercised by their own traffic; flagging them here
// would race with in-flight queries.
func (p *Pool) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.checkHealth(ctx)
		}
	}
}

// checkHealth drains the idle set, pings each connection under the
// health timeout, and returns survivors. The pool's overall flag is the
// AND over every tracked connection's flag.
func (p *Pool) checkHealth(ctx context.Context) {
	var idle []*pooledConn
collect:
	for {
		select {
		case pc := <-p.idle:
			idle = append(idle, pc)
		default:
			break collect
		}
	}

	for _, pc := range idle {
		pingCtx := ctx
		var cancel context.CancelFunc
		if p.cfg.HealthCheckTimeout > 0 {
			pingCtx, cancel = context.WithTimeout(ctx, p.cfg.HealthCheckTimeout)
		}
		err := pc.conn.Ping(pingCtx)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			pc.healthy.Store(false)
			p.errorCount.Inc()
			p.logger.Warn("connection failed health check",
				zap.String("conn_id", pc.id), zap.Error(err))
		}

		// Unhealthy connections stay tracked and queued; the next acquire
		// swaps them for fresh ones.
		select {
		case p.idle <- pc:
		default:
			p.discard(pc)
		}
	}

	p.lastHealth.Store(time.Now())

	p.mu.Lock()
	all := true
	for _, pc := range p.conns {
		if !pc.healthy.Load() {
			all = false
			break
		}
	}
	p.mu.Unlock()
	p.healthy.Store(all)
}

// MarkUnhealthy flags a tracked connection by id, forcing its
// replacement on next hand-out. Unknown ids are ignored.
func (p *Pool) MarkUnhealthy(id string) {
	p.mu.Lock()
	pc, ok := p.conns[id]
	p.mu.Unlock()
	if ok {
		pc.healthy.Store(false)
		p.healthy.Store(false)
	}
}

package pool

import (
	"context"
	"sync"
	"time"
)

// Sweeper visits registered pools round-robin from one goroutine, so that
// each pool is swept roughly once per period regardless of how many pools
// exist: the interval between visits is period / pool count.
type Sweeper struct {
	period time.Duration

	mu    sync.Mutex
	pools []*Pool
	next  int

	stopOnce sync.Once
	stop     chan struct{}
}

func NewSweeper(period time.Duration) *Sweeper {
	return &Sweeper{
		period: period,
		stop:   make(chan struct{}),
	}
}

// Register attaches a pool to the shared sweep rotation. Pools are immortal
// once registered; a stopped pool's sweep is a cheap no-op.
func (s *Sweeper) Register(p *Pool) {
	s.mu.Lock()
	s.pools = append(s.pools, p)
	s.mu.Unlock()
}

// Run sweeps until the context is cancelled or Stop is called.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		n := len(s.pools)
		var p *Pool
		if n > 0 {
			p = s.pools[s.next%n]
			s.next++
		}
		s.mu.Unlock()

		interval := s.period
		if n > 1 {
			interval = s.period / time.Duration(n)
		}
		if p != nil {
			p.Sweep()
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

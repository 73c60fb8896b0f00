package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tunnel-proxy/internal/domain"
)

// DNSHandler serves the reserved DNS tokens of a loop.
type DNSHandler interface {
	Register(reg domain.Registry) error
	HandleEvent(token domain.Token, event domain.EventType)
	Close()
}

// Worker is one shard: an event loop with its own proxy service and, on the
// first shard, the DNS relay.
type Worker struct {
	id    int
	log   *slog.Logger
	loop  domain.EventLoop
	proxy *ProxyService
	dns   DNSHandler

	closeOnce sync.Once
}

// NewWorker builds a shard. dns may be nil.
func NewWorker(id int, loop domain.EventLoop, proxy *ProxyService, dns DNSHandler, log *slog.Logger) *Worker {
	return &Worker{
		id:    id,
		log:   log.With("shard", id),
		loop:  loop,
		proxy: proxy,
		dns:   dns,
	}
}

func (w *Worker) HandleEvent(token domain.Token, event domain.EventType) {
	if domain.IsDNSToken(token) {
		if w.dns != nil {
			w.dns.HandleEvent(token, event)
		}
		return
	}
	w.proxy.HandleEvent(token, event)
}

func (w *Worker) Tick(now time.Time) {
	w.proxy.Tick(now)
}

// Run serves until ctx is done or the loop fails. The worker is closed when
// Run returns.
func (w *Worker) Run(ctx context.Context) error {
	defer w.Close()
	if err := w.proxy.Register(); err != nil {
		return err
	}
	if w.dns != nil {
		if err := w.dns.Register(w.loop); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, w.loop.Stop)
	defer stop()

	w.log.Info("Worker running")
	err := w.loop.Run(w)
	w.log.Info("Worker stopped", "error", err)
	return err
}

// Close tears down the proxy service and the DNS relay, then the loop they
// are registered with. Handshakes finishing afterwards are aborted by the
// closed service and never reach the loop.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		w.proxy.Close()
		if w.dns != nil {
			w.dns.Close()
		}
		if err := w.loop.Close(); err != nil {
			w.log.Debug("Close event loop failed", "error", err)
		}
	})
}

// RunShards builds and runs n workers until ctx is done or one of them fails.
// If a shard cannot be built, the shards built before it are closed.
func RunShards(ctx context.Context, n int, build func(shard int) (*Worker, error)) error {
	workers := make([]*Worker, 0, n)
	for i := 0; i < n; i++ {
		w, err := build(i)
		if err != nil {
			for _, built := range workers {
				built.Close()
			}
			return fmt.Errorf("shard %d: %w", i, err)
		}
		workers = append(workers, w)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Component is one long-running loop of the service.
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

// Run starts every component and blocks until ctx is cancelled, SIGINT or
// SIGTERM arrives, or a component fails. The first failure stops the rest.
func Run(ctx context.Context, logger *log.Logger, components ...Component) error {
	if logger == nil {
		logger = log.New(log.Writer(), "[SERVICE] ", log.LstdFlags)
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range components {
		c := c
		g.Go(func() error {
			logger.Printf("%s starting", c.Name)
			err := c.Run(gctx)
			if err != nil && gctx.Err() == nil {
				logger.Printf("%s stopped: %v", c.Name, err)
				return fmt.Errorf("%s: %w", c.Name, err)
			}
			logger.Printf("%s stopped", c.Name)
			return nil
		})
	}
	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Printf("shutdown requested")
	}
	return g.Wait()
}

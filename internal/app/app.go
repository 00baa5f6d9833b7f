package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cesigoodfood/api-catalogue/internal/config"
	"github.com/cesigoodfood/api-catalogue/internal/httpapi"
	"github.com/cesigoodfood/api-catalogue/internal/reconcile"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Application holds all the components and manages the application lifecycle
type Application struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container *Container
}

// NewApplication creates and fully initializes a new Application instance
func NewApplication(ctx context.Context, component string) (*Application, error) {
	// Set up signal handling
	appCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	app := &Application{
		ctx:    appCtx,
		cancel: cancel,
	}

	container, err := NewContainer(app.ctx, component)
	if err != nil {
		cancel()
		return nil, err
	}
	app.container = container

	_, span := container.Tracer().Start(app.ctx, component+".startup")
	span.SetAttributes(
		attribute.String("service.component", component),
		attribute.String("event.transport", string(container.Config().Transport)),
		attribute.String("publish.mode", string(container.Config().PublishMode)),
	)
	span.End()

	app.container.Logger().Info("Application initialized successfully")
	return app, nil
}

// runDispatcher starts the outbox dispatcher when changes go through the outbox.
func (app *Application) runDispatcher(ctx context.Context, g *errgroup.Group) {
	if app.container.Config().PublishMode != config.PublishOutbox {
		return
	}
	g.Go(func() error {
		return app.container.Dispatcher().Run(ctx)
	})
}

// RunAPI serves the HTTP API until the process is signalled.
func (app *Application) RunAPI() error {
	handler, err := app.container.HTTPHandler()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(app.ctx)
	app.runDispatcher(ctx, g)
	g.Go(func() error {
		return httpapi.Serve(ctx, app.container.Config().HTTPAddr, handler, app.container.Logger())
	})
	return g.Wait()
}

// RunConsumer processes inventory events until the process is signalled.
func (app *Application) RunConsumer() error {
	sub, err := app.container.StockSubscription()
	if err != nil {
		return fmt.Errorf("failed to subscribe to stock events: %w", err)
	}
	defer func() {
		if err := sub.Close(); err != nil {
			app.container.Logger().Error("Failed to close stock subscription", zap.Error(err))
		}
	}()

	g, ctx := errgroup.WithContext(app.ctx)
	consumer, refresher := app.container.ConsumerService(ctx, sub)
	app.runDispatcher(ctx, g)
	g.Go(func() error {
		defer app.cancel()
		err := consumer.Start(ctx)
		if refresher != nil {
			refresher.Wait()
		}
		return err
	})
	return g.Wait()
}

// RunSync reconciles one restaurant and flushes the resulting change events.
func (app *Application) RunSync(restaurantID int64) (reconcile.Report, error) {
	report, err := app.container.SyncJob().Run(app.ctx, restaurantID)

	if app.container.Config().PublishMode == config.PublishOutbox {
		if n, flushErr := app.container.Dispatcher().DispatchOnce(app.ctx); flushErr != nil {
			app.container.Logger().Warn("Some change events stay in the outbox for the API dispatcher",
				zap.Error(flushErr),
				zap.Int("dispatched", n),
			)
		}
	}
	return report, err
}

// Shutdown gracefully shuts down all application components
func (app *Application) Shutdown() {
	if app.container != nil {
		app.container.Logger().Info("Starting application shutdown...")
	}

	if app.cancel != nil {
		app.cancel()
	}

	if app.container != nil {
		app.container.Shutdown(context.Background())
	}
}

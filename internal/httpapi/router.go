package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"
	"github.com/cesigoodfood/api-catalogue/internal/config"
	"github.com/cesigoodfood/api-catalogue/internal/enrich"
	"github.com/cesigoodfood/api-catalogue/internal/menu"
	"github.com/cesigoodfood/api-catalogue/internal/platform/observability"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Menu is the catalogue read and write surface.
type Menu interface {
	Products(ctx context.Context, filter catalogue.ProductFilter) ([]catalogue.Product, error)
	Product(ctx context.Context, id int64) (catalogue.Product, error)
	CreateProduct(ctx context.Context, in menu.ProductInput) (catalogue.Product, error)
	ReplaceProduct(ctx context.Context, id int64, in menu.ProductInput) (catalogue.Product, error)
	PatchProduct(ctx context.Context, id int64, in menu.ProductInput) (catalogue.Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	Categories(ctx context.Context, restaurantID *int64) ([]catalogue.Category, error)
	CreateCategory(ctx context.Context, in menu.CategoryInput) (catalogue.Category, error)
	DeleteCategory(ctx context.Context, id int64) error
}

type Enricher interface {
	One(ctx context.Context, p catalogue.Product) enrich.Product
	Page(ctx context.Context, ps []catalogue.Product) []enrich.Product
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Menu     Menu
	Enricher Enricher
	Health   Pinger
	Metrics  http.Handler
	Verifier *TokenVerifier
	Logger   observability.Logger
}

// NewRouter registers every route on a fresh gin engine.
func NewRouter(opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger))

	h := &handlers{menu: opts.Menu, enricher: opts.Enricher, health: opts.Health}

	router.GET("/healthz", h.healthz)
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	router.GET("/products", h.listProducts)
	router.GET("/products/:id", h.getProduct)
	router.GET("/restaurants/:restaurantId/products", h.listProducts)
	router.GET("/restaurants/:restaurantId/products/:id", h.getProduct)
	router.GET("/categories", h.listCategories)
	router.GET("/restaurants/:restaurantId/categories", h.listCategories)

	writes := router.Group("/", RequireToken(opts.Verifier))
	{
		writes.POST("/products", h.createProduct)
		writes.PUT("/products/:id", h.replaceProduct)
		writes.PATCH("/products/:id", h.patchProduct)
		writes.DELETE("/products/:id", h.deleteProduct)
		writes.POST("/categories", h.createCategory)
		writes.DELETE("/categories/:id", h.deleteCategory)
	}

	return router
}

// NewHandler wraps the router with server-side tracing.
func NewHandler(router http.Handler) http.Handler {
	return otelhttp.NewHandler(router, config.ServiceName,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func requestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if caller := Caller(c); caller != "" {
			fields = append(fields, zap.String("caller", caller))
		}
		if len(c.Errors) > 0 {
			logger.Error("Request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		logger.Debug("Request served", fields...)
	}
}

package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cesigoodfood/api-catalogue/internal/catalogue"
	"github.com/cesigoodfood/api-catalogue/internal/enrich"
	"github.com/cesigoodfood/api-catalogue/internal/menu"

	"github.com/gin-gonic/gin"
)

const maxPageSize = 100

type handlers struct {
	menu     Menu
	enricher Enricher
	health   Pinger
}

type page struct {
	Page    int              `json:"page"`
	Limit   int              `json:"limit"`
	Results []enrich.Product `json:"results"`
}

func (h *handlers) healthz(c *gin.Context) {
	if err := h.health.Ping(c.Request.Context()); err != nil {
		abortWithError(c, http.StatusServiceUnavailable, "database unavailable", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// restaurantFilter reads the restaurant from the path or the query. ok is
// false when a value is present but not an integer.
func restaurantFilter(c *gin.Context) (id *int64, ok bool) {
	raw := c.Param("restaurantId")
	if raw == "" {
		raw = c.Query("restaurant_id")
	}
	if raw == "" {
		raw = c.Query("restaurant")
	}
	if raw == "" {
		return nil, true
	}
	v, err := catalogue.ParseID(raw)
	if err != nil {
		return nil, false
	}
	return &v, true
}

func pagination(c *gin.Context) (pageNum, limit int, paginated bool, err error) {
	rawPage, rawLimit := c.Query("page"), c.Query("limit")
	if rawPage == "" && rawLimit == "" {
		return 0, 0, false, nil
	}

	pageNum, limit = 1, maxPageSize
	if rawPage != "" {
		if pageNum, err = strconv.Atoi(rawPage); err != nil || pageNum < 1 {
			return 0, 0, false, errInvalidQuery("page")
		}
	}
	if rawLimit != "" {
		if limit, err = strconv.Atoi(rawLimit); err != nil || limit < 1 {
			return 0, 0, false, errInvalidQuery("limit")
		}
	}
	return pageNum, min(limit, maxPageSize), true, nil
}

type errInvalidQuery string

func (e errInvalidQuery) Error() string {
	return string(e) + " must be a positive integer"
}

func (h *handlers) listProducts(c *gin.Context) {
	pageNum, limit, paginated, err := pagination(c)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid pagination", err)
		return
	}

	restaurantID, ok := restaurantFilter(c)
	if !ok {
		if paginated {
			c.JSON(http.StatusOK, page{Page: pageNum, Limit: limit, Results: []enrich.Product{}})
			return
		}
		c.JSON(http.StatusOK, []enrich.Product{})
		return
	}

	filter := catalogue.ProductFilter{RestaurantID: restaurantID, Search: c.Query("search")}
	if paginated {
		filter.Offset, filter.Limit = (pageNum-1)*limit, limit
	}

	products, err := h.menu.Products(c.Request.Context(), filter)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}

	enriched := h.enricher.Page(c.Request.Context(), products)
	if paginated {
		c.JSON(http.StatusOK, page{Page: pageNum, Limit: limit, Results: enriched})
		return
	}
	c.JSON(http.StatusOK, enriched)
}

func (h *handlers) getProduct(c *gin.Context) {
	id, err := catalogue.ParseID(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusNotFound, "not found", nil)
		return
	}
	restaurantID, ok := restaurantFilter(c)
	if !ok {
		abortWithError(c, http.StatusNotFound, "not found", nil)
		return
	}

	p, err := h.menu.Product(c.Request.Context(), id)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	if restaurantID != nil && p.RestaurantID != *restaurantID {
		abortWithError(c, http.StatusNotFound, "not found", nil)
		return
	}

	c.JSON(http.StatusOK, h.enricher.One(c.Request.Context(), p))
}

func (h *handlers) createProduct(c *gin.Context) {
	var in menu.ProductInput
	if err := c.ShouldBindJSON(&in); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	p, err := h.menu.CreateProduct(c.Request.Context(), in)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *handlers) replaceProduct(c *gin.Context) {
	h.updateProduct(c, h.menu.ReplaceProduct)
}

func (h *handlers) patchProduct(c *gin.Context) {
	h.updateProduct(c, h.menu.PatchProduct)
}

func (h *handlers) updateProduct(c *gin.Context, update func(ctx context.Context, id int64, in menu.ProductInput) (catalogue.Product, error)) {
	id, err := catalogue.ParseID(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusNotFound, "not found", nil)
		return
	}

	var in menu.ProductInput
	if err := c.ShouldBindJSON(&in); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	p, err := update(c.Request.Context(), id, in)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) deleteProduct(c *gin.Context) {
	id, err := catalogue.ParseID(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusNotFound, "not found", nil)
		return
	}
	if err := h.menu.DeleteProduct(c.Request.Context(), id); err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) listCategories(c *gin.Context) {
	restaurantID, ok := restaurantFilter(c)
	if !ok {
		c.JSON(http.StatusOK, []catalogue.Category{})
		return
	}

	categories, err := h.menu.Categories(c.Request.Context(), restaurantID)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, categories)
}

func (h *handlers) createCategory(c *gin.Context) {
	var in menu.CategoryInput
	if err := c.ShouldBindJSON(&in); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	cat, err := h.menu.CreateCategory(c.Request.Context(), in)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cat)
}

func (h *handlers) deleteCategory(c *gin.Context) {
	id, err := catalogue.ParseID(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusNotFound, "not found", nil)
		return
	}
	if err := h.menu.DeleteCategory(c.Request.Context(), id); err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

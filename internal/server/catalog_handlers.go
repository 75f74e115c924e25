package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/uploads"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	imageFormField = "image"

	messageBusinessCreated  = "Business created successfully"
	messageBusinessUpdated  = "Business updated successfully"
	messageBusinessDeleted  = "Business deleted successfully"
	messageProductCreated   = "Product created successfully"
	messageProductUpdated   = "Product updated successfully"
	messageProductDeleted   = "Product deleted successfully"
	messageReviewCreated    = "Review added successfully"
	messageBusinessNotFound = "Business not found"
	messageProductNotFound  = "Product not found"
	messageInvalidTaste     = "Invalid taste format"
	messageInvalidPrice     = "Price must be a number"
	messageInvalidBusiness  = "Business ID must be a number"
	messageInvalidRating    = "Rating must be a number"
	messageNotImage         = "Only image files are allowed"
	messageFileTooLarge     = "File too large"
	messageOwnedBusinesses  = "Server error while fetching your business"
)

type reviewRequestPayload struct {
	Rating  int    `json:"rating" form:"rating"`
	Comment string `json:"comment" form:"comment"`
}

func (h *httpHandler) handleCreateBusiness(c *gin.Context) {
	account, _ := currentAccount(c)
	imageURL, ok := h.storeUploadedImage(c)
	if !ok {
		return
	}

	business, err := h.catalog.CreateBusiness(c.Request.Context(), account.ID, businessInputFromForm(c, imageURL))
	if err != nil {
		h.discardImage(imageURL)
		h.respondCatalogError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": messageBusinessCreated, "business": business})
}

func (h *httpHandler) handleUpdateBusiness(c *gin.Context) {
	account, _ := currentAccount(c)
	businessID, ok := parseIDParam(c, "id", messageBusinessNotFound)
	if !ok {
		return
	}
	imageURL, ok := h.storeUploadedImage(c)
	if !ok {
		return
	}

	business, err := h.catalog.UpdateBusiness(c.Request.Context(), account.ID, businessID, businessInputFromForm(c, imageURL))
	if err != nil {
		h.discardImage(imageURL)
		h.respondCatalogError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": messageBusinessUpdated, "business": business})
}

func (h *httpHandler) handleDeleteBusiness(c *gin.Context) {
	account, _ := currentAccount(c)
	businessID, ok := parseIDParam(c, "id", messageBusinessNotFound)
	if !ok {
		return
	}
	if err := h.catalog.DeleteBusiness(c.Request.Context(), account.ID, businessID); err != nil {
		h.respondCatalogError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": messageBusinessDeleted})
}

func (h *httpHandler) handleOwnedBusinesses(c *gin.Context) {
	account, _ := currentAccount(c)
	listings, err := h.catalog.ListBusinesses(c.Request.Context(), catalog.BusinessFilter{OwnerID: account.ID})
	if err != nil {
		payload := gin.H{"message": messageOwnedBusinesses}
		if h.development {
			payload["error"] = err.Error()
		}
		c.JSON(http.StatusInternalServerError, payload)
		return
	}
	c.JSON(http.StatusOK, listings)
}

func (h *httpHandler) handleListBusinesses(c *gin.Context) {
	filter := catalog.BusinessFilter{
		Location:   c.Query("location"),
		Category:   c.Query("category"),
		PriceRange: c.Query("price_range"),
		Search:     c.Query("search"),
	}
	if rawRating := strings.TrimSpace(c.Query("rating")); rawRating != "" {
		rating, err := strconv.ParseFloat(rawRating, 64)
		if err != nil || math.IsNaN(rating) || math.IsInf(rating, 0) {
			c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidRating})
			return
		}
		filter.MinRating = rating
	}

	listings, err := h.catalog.ListBusinesses(c.Request.Context(), filter)
	if err != nil {
		h.respondCatalogError(c, err)
		return
	}
	c.JSON(http.StatusOK, listings)
}

func (h *httpHandler) handleGetBusiness(c *gin.Context) {
	businessID, ok := parseIDParam(c, "id", messageBusinessNotFound)
	if !ok {
		return
	}
	listing, err := h.catalog.GetBusiness(c.Request.Context(), businessID)
	if err != nil {
		h.respondCatalogError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

func (h *httpHandler) handleCreateReview(c *gin.Context) {
	account, _ := currentAccount(c)
	businessID, ok := parseIDParam(c, "id", messageBusinessNotFound)
	if !ok {
		return
	}
	var request reviewRequestPayload
	if err := c.ShouldBind(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidRating})
		return
	}

	review, err := h.catalog.CreateReview(c.Request.Context(), account.ID, businessID, request.Rating, request.Comment)
	if err != nil {
		h.respondCatalogError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": messageReviewCreated, "review": review})
}

func (h *httpHandler) handleCreateProduct(c *gin.Context) {
	account, _ := currentAccount(c)
	input, ok := productInputFromForm(c)
	if !ok {
		return
	}
	imageURL, ok := h.storeUploadedImage(c)
	if !ok {
		return
	}
	input.ImageURL = imageURL

	product, err := h.catalog.CreateProduct(c.Request.Context(), account.ID, input)
	if err != nil {
		h.discardImage(imageURL)
		h.respondCatalogError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": messageProductCreated, "product": product})
}

func (h *httpHandler) handleUpdateProduct(c *gin.Context) {
	account, _ := currentAccount(c)
	productID, ok := parseIDParam(c, "id", messageProductNotFound)
	if !ok {
		return
	}
	input, ok := productInputFromForm(c)
	if !ok {
		return
	}
	imageURL, ok := h.storeUploadedImage(c)
	if !ok {
		return
	}
	input.ImageURL = imageURL

	product, err := h.catalog.UpdateProduct(c.Request.Context(), account.ID, productID, input)
	if err != nil {
		h.discardImage(imageURL)
		h.respondCatalogError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": messageProductUpdated, "product": product})
}

func (h *httpHandler) handleDeleteProduct(c *gin.Context) {
	account, _ := currentAccount(c)
	productID, ok := parseIDParam(c, "id", messageProductNotFound)
	if !ok {
		return
	}
	if err := h.catalog.DeleteProduct(c.Request.Context(), account.ID, productID); err != nil {
		h.respondCatalogError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": messageProductDeleted})
}

func (h *httpHandler) handleListProducts(c *gin.Context) {
	filter := catalog.ProductFilter{
		Category: c.Query("category"),
		Search:   c.Query("search"),
		Location: c.Query("location"),
	}
	if rawBusinessID := strings.TrimSpace(c.Query("business_id")); rawBusinessID != "" {
		businessID, err := strconv.ParseUint(rawBusinessID, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidBusiness})
			return
		}
		filter.BusinessID = uint(businessID)
	}
	var ok bool
	if filter.MinPrice, ok = parseOptionalPrice(c, c.Query("min_price")); !ok {
		return
	}
	if filter.MaxPrice, ok = parseOptionalPrice(c, c.Query("max_price")); !ok {
		return
	}
	if values := c.QueryArray("taste"); len(values) > 0 {
		tastes, err := catalog.ParseTastes(values)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidTaste})
			return
		}
		filter.Tastes = tastes
	}

	listings, err := h.catalog.ListProducts(c.Request.Context(), filter)
	if err != nil {
		h.respondCatalogError(c, err)
		return
	}
	c.JSON(http.StatusOK, listings)
}

func (h *httpHandler) handleProductsByBusiness(c *gin.Context) {
	businessID, ok := parseIDParam(c, "businessId", messageBusinessNotFound)
	if !ok {
		return
	}
	listings, err := h.catalog.ListProducts(c.Request.Context(), catalog.ProductFilter{BusinessID: businessID})
	if err != nil {
		h.respondCatalogError(c, err)
		return
	}
	c.JSON(http.StatusOK, listings)
}

func (h *httpHandler) handleOwnedProducts(c *gin.Context) {
	account, _ := currentAccount(c)
	listings, err := h.catalog.ListProducts(c.Request.Context(), catalog.ProductFilter{OwnerID: account.ID})
	if err != nil {
		h.respondCatalogError(c, err)
		return
	}
	c.JSON(http.StatusOK, listings)
}

// respondCatalogError maps catalog sentinels to statuses, showing the service message.
func (h *httpHandler) respondCatalogError(c *gin.Context, err error) {
	var serviceErr *catalog.ServiceError
	message := ""
	if errors.As(err, &serviceErr) {
		message = serviceErr.Message()
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, catalog.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, catalog.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError || message == "" {
		h.abortServerError(c, err)
		return
	}
	c.JSON(status, gin.H{"message": message})
}

// storeUploadedImage saves the optional image part. It returns an empty URL when the request
// carries no image and false once an error response has been written.
func (h *httpHandler) storeUploadedImage(c *gin.Context) (string, bool) {
	if !strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		return "", true
	}
	header, err := c.FormFile(imageFormField)
	if errors.Is(err, http.ErrMissingFile) {
		return "", true
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidRequest})
		return "", false
	}
	if header.Size > h.uploads.MaxBytes() {
		c.JSON(http.StatusBadRequest, gin.H{"message": messageFileTooLarge})
		return "", false
	}
	file, err := header.Open()
	if err != nil {
		h.abortServerError(c, err)
		return "", false
	}
	defer file.Close()

	imageURL, err := h.uploads.SaveImage(file, header.Filename)
	switch {
	case err == nil:
		return imageURL, true
	case errors.Is(err, uploads.ErrNotImage):
		c.JSON(http.StatusBadRequest, gin.H{"message": messageNotImage})
	case errors.Is(err, uploads.ErrFileTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"message": messageFileTooLarge})
	default:
		h.logger.Error("failed to store upload", zap.Error(err))
		h.abortServerError(c, err)
	}
	return "", false
}

func (h *httpHandler) discardImage(imageURL string) {
	if imageURL == "" {
		return
	}
	if err := h.uploads.Remove(imageURL); err != nil {
		h.logger.Warn("failed to remove orphaned upload", zap.String("url", imageURL), zap.Error(err))
	}
}

func businessInputFromForm(c *gin.Context, imageURL string) catalog.BusinessInput {
	return catalog.BusinessInput{
		Name:         c.PostForm("name"),
		Phone:        c.PostForm("phone"),
		Address:      c.PostForm("address"),
		Description:  c.PostForm("description"),
		Location:     c.PostForm("location"),
		OpeningHours: c.PostForm("opening_hours"),
		Category:     c.PostForm("category"),
		PriceRange:   c.PostForm("price_range"),
		ImageURL:     imageURL,
	}
}

func productInputFromForm(c *gin.Context) (catalog.ProductInput, bool) {
	input := catalog.ProductInput{
		Name:        c.PostForm("name"),
		Description: c.PostForm("description"),
		Category:    c.PostForm("category"),
	}
	if rawBusinessID := strings.TrimSpace(c.PostForm("business_id")); rawBusinessID != "" {
		businessID, err := strconv.ParseUint(rawBusinessID, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidBusiness})
			return catalog.ProductInput{}, false
		}
		input.BusinessID = uint(businessID)
	}
	price, ok := parseOptionalPrice(c, c.PostForm("price"))
	if !ok {
		return catalog.ProductInput{}, false
	}
	input.Price = price
	if values, present := c.GetPostFormArray("taste"); present {
		tastes, err := catalog.ParseTastes(values)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidTaste})
			return catalog.ProductInput{}, false
		}
		input.Taste = tastes
		input.TasteSet = true
	}
	return input, true
}

func parseOptionalPrice(c *gin.Context, raw string) (*float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidPrice})
		return nil, false
	}
	return &value, true
}

func parseIDParam(c *gin.Context, name, notFoundMessage string) (uint, bool) {
	value, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || value == 0 {
		c.JSON(http.StatusNotFound, gin.H{"message": notFoundMessage})
		return 0, false
	}
	return uint(value), true
}

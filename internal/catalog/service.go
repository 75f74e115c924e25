package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound     = errors.New("catalog: not found")
	ErrForbidden    = errors.New("catalog: not authorized")
	ErrInvalidInput = errors.New("catalog: invalid input")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable operation.reason code, a message safe to show to clients and
// the underlying cause.
type ServiceError struct {
	code    string
	message string
	err     error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Message() string {
	return e.message
}

const (
	opServiceNew      = "catalog.service.new"
	opCreateBusiness  = "catalog.create_business"
	opUpdateBusiness  = "catalog.update_business"
	opDeleteBusiness  = "catalog.delete_business"
	opGetBusiness     = "catalog.get_business"
	opListBusinesses  = "catalog.list_businesses"
	opCreateProduct   = "catalog.create_product"
	opUpdateProduct   = "catalog.update_product"
	opDeleteProduct   = "catalog.delete_product"
	opListProducts    = "catalog.list_products"
	opCreateReview    = "catalog.create_review"
	reasonNotFound    = "not_found"
	reasonForbidden   = "forbidden"
	reasonInvalid     = "invalid_input"
	reasonQueryFailed = "query_failed"

	messageInvalidPrice  = "Price must be a number"
	messageInvalidRating = "Rating must be a number"
)

func newServiceError(operation, reason, message string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, message: message, err: cause}
}

// Event describes a catalog change for realtime subscribers.
type Event struct {
	Kind       string
	BusinessID uint
	ProductID  uint
	OccurredAt time.Time
}

const (
	EventBusinessCreated = "business.created"
	EventBusinessUpdated = "business.updated"
	EventBusinessDeleted = "business.deleted"
	EventProductCreated  = "product.created"
	EventProductUpdated  = "product.updated"
	EventProductDeleted  = "product.deleted"
	EventReviewCreated   = "review.created"
)

// Publisher receives catalog change events.
type Publisher interface {
	PublishCatalogEvent(event Event)
}

type ServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Publisher Publisher
	Logger    *zap.Logger
}

// Service manages businesses, products and reviews.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	publisher Publisher
	logger    *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", "", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:        cfg.Database,
		clock:     clock,
		publisher: cfg.Publisher,
		logger:    logger,
	}, nil
}

// BusinessInput carries the editable fields of a business. On update, empty fields keep their
// stored value.
type BusinessInput struct {
	Name         string
	Phone        string
	Address      string
	Description  string
	Location     string
	OpeningHours string
	Category     string
	PriceRange   string
	ImageURL     string
}

func (in BusinessInput) trimmed() BusinessInput {
	return BusinessInput{
		Name:         strings.TrimSpace(in.Name),
		Phone:        strings.TrimSpace(in.Phone),
		Address:      strings.TrimSpace(in.Address),
		Description:  strings.TrimSpace(in.Description),
		Location:     strings.TrimSpace(in.Location),
		OpeningHours: strings.TrimSpace(in.OpeningHours),
		Category:     strings.TrimSpace(in.Category),
		PriceRange:   strings.TrimSpace(in.PriceRange),
		ImageURL:     strings.TrimSpace(in.ImageURL),
	}
}

func (s *Service) CreateBusiness(ctx context.Context, ownerID uint, input BusinessInput) (BusinessListing, error) {
	input = input.trimmed()
	if input.Name == "" || input.Address == "" || input.Location == "" || input.Category == "" || input.PriceRange == "" {
		return BusinessListing{}, newServiceError(opCreateBusiness, reasonInvalid,
			"Name, address, location, category, and price range are required", ErrInvalidInput)
	}

	business := Business{
		OwnerID:      ownerID,
		Name:         input.Name,
		Phone:        input.Phone,
		Address:      input.Address,
		Description:  input.Description,
		Location:     input.Location,
		OpeningHours: input.OpeningHours,
		Category:     input.Category,
		PriceRange:   input.PriceRange,
		ImageURL:     input.ImageURL,
	}
	if err := s.db.WithContext(ctx).Create(&business).Error; err != nil {
		s.logError(opCreateBusiness, reasonQueryFailed, err)
		return BusinessListing{}, newServiceError(opCreateBusiness, reasonQueryFailed, "", err)
	}

	s.logger.Info("business created", zap.Uint("business_id", business.ID), zap.Uint("owner_id", ownerID))
	s.publish(EventBusinessCreated, business.ID, 0)
	return s.businessListing(ctx, opCreateBusiness, business.ID)
}

func (s *Service) UpdateBusiness(ctx context.Context, ownerID, businessID uint, input BusinessInput) (BusinessListing, error) {
	business, err := s.findBusiness(ctx, opUpdateBusiness, businessID)
	if err != nil {
		return BusinessListing{}, err
	}
	if business.OwnerID != ownerID {
		return BusinessListing{}, newServiceError(opUpdateBusiness, reasonForbidden,
			"Not authorized to update this business", ErrForbidden)
	}

	input = input.trimmed()
	updates := map[string]interface{}{}
	setIfPresent(updates, "name", input.Name)
	setIfPresent(updates, "phone", input.Phone)
	setIfPresent(updates, "address", input.Address)
	setIfPresent(updates, "description", input.Description)
	setIfPresent(updates, "location", input.Location)
	setIfPresent(updates, "opening_hours", input.OpeningHours)
	setIfPresent(updates, "category", input.Category)
	setIfPresent(updates, "price_range", input.PriceRange)
	setIfPresent(updates, "image_url", input.ImageURL)

	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&Business{}).Where("id = ?", businessID).Updates(updates).Error; err != nil {
			s.logError(opUpdateBusiness, reasonQueryFailed, err)
			return BusinessListing{}, newServiceError(opUpdateBusiness, reasonQueryFailed, "", err)
		}
	}

	s.publish(EventBusinessUpdated, businessID, 0)
	return s.businessListing(ctx, opUpdateBusiness, businessID)
}

// DeleteBusiness removes a business with its products and reviews. Missing and foreign
// businesses are reported the same way.
func (s *Service) DeleteBusiness(ctx context.Context, ownerID, businessID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND owner_id = ?", businessID, ownerID).Delete(&Business{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("business_id = ?", businessID).Delete(&Product{}).Error; err != nil {
			return err
		}
		return tx.Where("business_id = ?", businessID).Delete(&Review{}).Error
	})
	if errors.Is(err, ErrNotFound) {
		return newServiceError(opDeleteBusiness, reasonNotFound, "Business not found or not authorized", ErrNotFound)
	}
	if err != nil {
		s.logError(opDeleteBusiness, reasonQueryFailed, err)
		return newServiceError(opDeleteBusiness, reasonQueryFailed, "", err)
	}
	s.logger.Info("business deleted", zap.Uint("business_id", businessID), zap.Uint("owner_id", ownerID))
	s.publish(EventBusinessDeleted, businessID, 0)
	return nil
}

func (s *Service) GetBusiness(ctx context.Context, businessID uint) (BusinessListing, error) {
	return s.businessListing(ctx, opGetBusiness, businessID)
}

// BusinessFilter narrows business listings. "all" disables the location, category and price
// range filters.
type BusinessFilter struct {
	OwnerID    uint
	Location   string
	Category   string
	PriceRange string
	MinRating  float64
	Search     string
}

func (s *Service) ListBusinesses(ctx context.Context, filter BusinessFilter) ([]BusinessListing, error) {
	query := s.businessQuery(ctx)
	if filter.OwnerID != 0 {
		query = query.Where("b.owner_id = ?", filter.OwnerID)
	}
	if value := filterValue(filter.Location); value != "" {
		query = query.Where("b.location = ?", value)
	}
	if value := filterValue(filter.Category); value != "" {
		query = query.Where("b.category = ?", value)
	}
	if value := filterValue(filter.PriceRange); value != "" {
		query = query.Where("b.price_range = ?", value)
	}
	if !finite(filter.MinRating) {
		return nil, newServiceError(opListBusinesses, reasonInvalid, messageInvalidRating, ErrInvalidInput)
	}
	if filter.MinRating > 0 {
		query = query.Where("("+averageRatingSQL+") >= ?", filter.MinRating)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := likePattern(search)
		query = query.Where("(b.name LIKE ? ESCAPE '\\' OR b.description LIKE ? ESCAPE '\\')", pattern, pattern)
	}

	listings := make([]BusinessListing, 0)
	if err := query.Order("b.created_at DESC").Order("b.id DESC").Scan(&listings).Error; err != nil {
		s.logError(opListBusinesses, reasonQueryFailed, err)
		return nil, newServiceError(opListBusinesses, reasonQueryFailed, "", err)
	}
	return listings, nil
}

// ProductInput carries the editable fields of a product. On update, zero values keep the
// stored value; Taste is replaced only when TasteSet is true.
type ProductInput struct {
	BusinessID  uint
	Name        string
	Price       *float64
	Description string
	Category    string
	Taste       Tastes
	TasteSet    bool
	ImageURL    string
}

func (s *Service) CreateProduct(ctx context.Context, ownerID uint, input ProductInput) (ProductListing, error) {
	name := strings.TrimSpace(input.Name)
	category := strings.TrimSpace(input.Category)
	if input.Price != nil && !finite(*input.Price) {
		return ProductListing{}, newServiceError(opCreateProduct, reasonInvalid, messageInvalidPrice, ErrInvalidInput)
	}
	if input.BusinessID == 0 || name == "" || input.Price == nil || *input.Price <= 0 || category == "" {
		return ProductListing{}, newServiceError(opCreateProduct, reasonInvalid,
			"Business ID, name, price, and category are required", ErrInvalidInput)
	}

	var owned int64
	if err := s.db.WithContext(ctx).Model(&Business{}).
		Where("id = ? AND owner_id = ?", input.BusinessID, ownerID).
		Count(&owned).Error; err != nil {
		s.logError(opCreateProduct, reasonQueryFailed, err)
		return ProductListing{}, newServiceError(opCreateProduct, reasonQueryFailed, "", err)
	}
	if owned == 0 {
		return ProductListing{}, newServiceError(opCreateProduct, reasonForbidden,
			"Not authorized to add products to this business", ErrForbidden)
	}

	taste := input.Taste
	if taste == nil {
		taste = Tastes{}
	}
	product := Product{
		BusinessID:  input.BusinessID,
		Name:        name,
		Price:       *input.Price,
		Description: strings.TrimSpace(input.Description),
		Category:    category,
		Taste:       taste,
		ImageURL:    strings.TrimSpace(input.ImageURL),
		IsAvailable: true,
	}
	if err := s.db.WithContext(ctx).Create(&product).Error; err != nil {
		s.logError(opCreateProduct, reasonQueryFailed, err)
		return ProductListing{}, newServiceError(opCreateProduct, reasonQueryFailed, "", err)
	}

	s.publish(EventProductCreated, product.BusinessID, product.ID)
	return s.productListing(ctx, opCreateProduct, product.ID)
}

func (s *Service) UpdateProduct(ctx context.Context, ownerID, productID uint, input ProductInput) (ProductListing, error) {
	var product Product
	err := s.db.WithContext(ctx).Where("id = ?", productID).Take(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ProductListing{}, newServiceError(opUpdateProduct, reasonNotFound, "Product not found", ErrNotFound)
	}
	if err != nil {
		s.logError(opUpdateProduct, reasonQueryFailed, err)
		return ProductListing{}, newServiceError(opUpdateProduct, reasonQueryFailed, "", err)
	}

	business, err := s.findBusiness(ctx, opUpdateProduct, product.BusinessID)
	if err != nil || business.OwnerID != ownerID {
		return ProductListing{}, newServiceError(opUpdateProduct, reasonForbidden,
			"Not authorized to update this product", ErrForbidden)
	}

	updates := map[string]interface{}{}
	setIfPresent(updates, "name", strings.TrimSpace(input.Name))
	setIfPresent(updates, "description", strings.TrimSpace(input.Description))
	setIfPresent(updates, "category", strings.TrimSpace(input.Category))
	setIfPresent(updates, "image_url", strings.TrimSpace(input.ImageURL))
	if input.Price != nil {
		if !finite(*input.Price) {
			return ProductListing{}, newServiceError(opUpdateProduct, reasonInvalid, messageInvalidPrice, ErrInvalidInput)
		}
		if *input.Price <= 0 {
			return ProductListing{}, newServiceError(opUpdateProduct, reasonInvalid, "Price must be positive", ErrInvalidInput)
		}
		updates["price"] = *input.Price
	}
	if input.TasteSet {
		taste := input.Taste
		if taste == nil {
			taste = Tastes{}
		}
		updates["taste"] = taste
	}

	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&Product{}).Where("id = ?", productID).Updates(updates).Error; err != nil {
			s.logError(opUpdateProduct, reasonQueryFailed, err)
			return ProductListing{}, newServiceError(opUpdateProduct, reasonQueryFailed, "", err)
		}
	}

	s.publish(EventProductUpdated, product.BusinessID, productID)
	return s.productListing(ctx, opUpdateProduct, productID)
}

func (s *Service) DeleteProduct(ctx context.Context, ownerID, productID uint) error {
	var product Product
	err := s.db.WithContext(ctx).
		Table("products AS p").
		Select("p.*").
		Joins("JOIN businesses b ON p.business_id = b.id").
		Where("p.id = ? AND b.owner_id = ?", productID, ownerID).
		Take(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opDeleteProduct, reasonNotFound, "Product not found or not authorized", ErrNotFound)
	}
	if err != nil {
		s.logError(opDeleteProduct, reasonQueryFailed, err)
		return newServiceError(opDeleteProduct, reasonQueryFailed, "", err)
	}

	if err := s.db.WithContext(ctx).Delete(&Product{}, productID).Error; err != nil {
		s.logError(opDeleteProduct, reasonQueryFailed, err)
		return newServiceError(opDeleteProduct, reasonQueryFailed, "", err)
	}
	s.publish(EventProductDeleted, product.BusinessID, productID)
	return nil
}

// ProductFilter narrows product listings. Only available products are listed unless OwnerID
// is set, in which case every product of the owner's businesses is returned. Every taste in
// Tastes must be present on a product.
type ProductFilter struct {
	OwnerID    uint
	BusinessID uint
	Category   string
	MinPrice   *float64
	MaxPrice   *float64
	Search     string
	Location   string
	Tastes     []string
}

func (s *Service) ListProducts(ctx context.Context, filter ProductFilter) ([]ProductListing, error) {
	query := s.productQuery(ctx)
	if filter.OwnerID != 0 {
		query = query.Where("b.owner_id = ?", filter.OwnerID)
	} else {
		query = query.Where("p.is_available = ?", true)
	}
	if filter.BusinessID != 0 {
		query = query.Where("p.business_id = ?", filter.BusinessID)
	}
	if value := filterValue(filter.Category); value != "" {
		query = query.Where("p.category = ?", value)
	}
	if (filter.MinPrice != nil && !finite(*filter.MinPrice)) || (filter.MaxPrice != nil && !finite(*filter.MaxPrice)) {
		return nil, newServiceError(opListProducts, reasonInvalid, messageInvalidPrice, ErrInvalidInput)
	}
	if filter.MinPrice != nil {
		query = query.Where("p.price >= ?", *filter.MinPrice)
	}
	if filter.MaxPrice != nil {
		query = query.Where("p.price <= ?", *filter.MaxPrice)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := likePattern(search)
		query = query.Where("(p.name LIKE ? ESCAPE '\\' OR p.description LIKE ? ESCAPE '\\' OR b.name LIKE ? ESCAPE '\\')", pattern, pattern, pattern)
	}
	if value := filterValue(filter.Location); value != "" {
		query = query.Where("b.location = ?", value)
	}
	for _, taste := range normalizeTastes(filter.Tastes) {
		element, err := json.Marshal(taste)
		if err != nil {
			return nil, newServiceError(opListProducts, reasonInvalid, "Invalid taste format", ErrInvalidInput)
		}
		query = query.Where("p.taste LIKE ? ESCAPE '\\'", likePattern(string(element)))
	}

	listings := make([]ProductListing, 0)
	if err := query.Order("p.created_at DESC").Order("p.id DESC").Scan(&listings).Error; err != nil {
		s.logError(opListProducts, reasonQueryFailed, err)
		return nil, newServiceError(opListProducts, reasonQueryFailed, "", err)
	}
	return listings, nil
}

// CreateReview records a 1 to 5 rating for a business.
func (s *Service) CreateReview(ctx context.Context, accountID, businessID uint, rating int, comment string) (Review, error) {
	if rating < 1 || rating > 5 {
		return Review{}, newServiceError(opCreateReview, reasonInvalid, "Rating must be between 1 and 5", ErrInvalidInput)
	}
	if _, err := s.findBusiness(ctx, opCreateReview, businessID); err != nil {
		return Review{}, err
	}

	review := Review{
		BusinessID: businessID,
		AccountID:  accountID,
		Rating:     rating,
		Comment:    strings.TrimSpace(comment),
	}
	if err := s.db.WithContext(ctx).Create(&review).Error; err != nil {
		s.logError(opCreateReview, reasonQueryFailed, err)
		return Review{}, newServiceError(opCreateReview, reasonQueryFailed, "", err)
	}
	s.publish(EventReviewCreated, businessID, 0)
	return review, nil
}

const (
	averageRatingSQL     = "SELECT AVG(r.rating) FROM reviews r WHERE r.business_id = b.id"
	businessAggregateSQL = "b.*, " +
		"(SELECT COUNT(*) FROM products p WHERE p.business_id = b.id) AS product_count, " +
		"(" + averageRatingSQL + ") AS rating, " +
		"(SELECT COUNT(*) FROM reviews r WHERE r.business_id = b.id) AS review_count"
	productColumnsSQL = "p.*, b.name AS business_name, b.location AS business_location, " +
		"(" + averageRatingSQL + ") AS business_rating"
)

func (s *Service) businessQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table("businesses AS b").Select(businessAggregateSQL)
}

func (s *Service) productQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("products AS p").
		Select(productColumnsSQL).
		Joins("JOIN businesses b ON p.business_id = b.id")
}

func (s *Service) businessListing(ctx context.Context, operation string, businessID uint) (BusinessListing, error) {
	var listings []BusinessListing
	if err := s.businessQuery(ctx).Where("b.id = ?", businessID).Limit(1).Scan(&listings).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err)
		return BusinessListing{}, newServiceError(operation, reasonQueryFailed, "", err)
	}
	if len(listings) == 0 {
		return BusinessListing{}, newServiceError(operation, reasonNotFound, "Business not found", ErrNotFound)
	}
	return listings[0], nil
}

func (s *Service) productListing(ctx context.Context, operation string, productID uint) (ProductListing, error) {
	var listings []ProductListing
	if err := s.productQuery(ctx).Where("p.id = ?", productID).Limit(1).Scan(&listings).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err)
		return ProductListing{}, newServiceError(operation, reasonQueryFailed, "", err)
	}
	if len(listings) == 0 {
		return ProductListing{}, newServiceError(operation, reasonNotFound, "Product not found", ErrNotFound)
	}
	return listings[0], nil
}

func (s *Service) findBusiness(ctx context.Context, operation string, businessID uint) (Business, error) {
	var business Business
	err := s.db.WithContext(ctx).Where("id = ?", businessID).Take(&business).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Business{}, newServiceError(operation, reasonNotFound, "Business not found", ErrNotFound)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err)
		return Business{}, newServiceError(operation, reasonQueryFailed, "", err)
	}
	return business, nil
}

func (s *Service) publish(kind string, businessID, productID uint) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishCatalogEvent(Event{
		Kind:       kind,
		BusinessID: businessID,
		ProductID:  productID,
		OccurredAt: s.clock().UTC(),
	})
}

func (s *Service) logError(operation, reason string, err error) {
	if s.logger == nil || err == nil {
		return
	}
	s.logger.Error(
		"catalog service error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func setIfPresent(updates map[string]interface{}, column, value string) {
	if value != "" {
		updates[column] = value
	}
}

func finite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

func filterValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.EqualFold(trimmed, "all") {
		return ""
	}
	return trimmed
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// likePattern matches value as a literal substring; LIKE wildcards in value are escaped.
func likePattern(value string) string {
	return "%" + likeEscaper.Replace(value) + "%"
}

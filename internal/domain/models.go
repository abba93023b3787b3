package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin    = "admin"
	RoleEmployee = "employee"
)

type InventoryItem struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	SKU          string          `json:"sku"`
	Category     string          `json:"category"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	Quantity     int             `json:"quantity"`
	ReorderLevel int             `json:"reorder_level"`
	Description  string          `json:"description"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (i InventoryItem) LowStock() bool {
	return i.Quantity <= i.ReorderLevel
}

type InventoryItemCreateRequest struct {
	Name         string          `json:"name" validate:"required,max=200"`
	SKU          string          `json:"sku" validate:"max=64"`
	Category     string          `json:"category" validate:"max=100"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	Quantity     int             `json:"quantity" validate:"min=0"`
	ReorderLevel int             `json:"reorder_level" validate:"min=0"`
	Description  string          `json:"description" validate:"max=2000"`
}

type InventoryItemUpdateRequest struct {
	Name         *string          `json:"name,omitempty" validate:"omitempty,max=200"`
	SKU          *string          `json:"sku,omitempty" validate:"omitempty,max=64"`
	Category     *string          `json:"category,omitempty" validate:"omitempty,max=100"`
	UnitPrice    *decimal.Decimal `json:"unit_price,omitempty"`
	UnitCost     *decimal.Decimal `json:"unit_cost,omitempty"`
	ReorderLevel *int             `json:"reorder_level,omitempty" validate:"omitempty,min=0"`
	Description  *string          `json:"description,omitempty" validate:"omitempty,max=2000"`
}

type RestockRequest struct {
	Quantity int `json:"quantity" validate:"required,min=1"`
}

// SaleItem is a cart line held by the client. UnitPrice is the price seen when
// the item was added to the cart, not the live price.
type SaleItem struct {
	ItemID    string          `json:"item_id" validate:"required"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

type SaleRequest struct {
	CustomerName    string          `json:"customer_name" validate:"max=200"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	TaxPercent      decimal.Decimal `json:"tax_percent"`
	Items           []SaleItem      `json:"items" validate:"dive"`
}

type SaleLine struct {
	ItemID    string          `json:"item_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type SaleTransaction struct {
	ID              string          `json:"id"`
	CustomerName    string          `json:"customer_name"`
	Items           []SaleLine      `json:"items"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	TaxPercent      decimal.Decimal `json:"tax_percent"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	Total           decimal.Decimal `json:"total"`
	CreatedAt       time.Time       `json:"created_at"`
	CreatedBy       string          `json:"created_by"`
}

// StockRequirement is the total quantity a sale needs from one item.
type StockRequirement struct {
	ItemID   string
	Name     string
	Quantity int
}

type Invoice struct {
	SaleID      string    `json:"sale_id"`
	Number      string    `json:"number"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Content     []byte    `json:"-"`
	GeneratedAt time.Time `json:"generated_at"`
}

type SaleResponse struct {
	Sale           SaleTransaction `json:"sale"`
	Invoice        *Invoice        `json:"invoice,omitempty"`
	InvoiceWarning string          `json:"invoice_warning,omitempty"`
	ClearCart      bool            `json:"clear_cart"`
}

type SalesReportItem struct {
	ItemID  string          `json:"item_id"`
	Name    string          `json:"name"`
	Units   int             `json:"units"`
	Revenue decimal.Decimal `json:"revenue"`
}

type SalesReport struct {
	From           time.Time         `json:"from"`
	To             time.Time         `json:"to"`
	Transactions   int               `json:"transactions"`
	UnitsSold      int               `json:"units_sold"`
	Subtotal       decimal.Decimal   `json:"subtotal"`
	DiscountAmount decimal.Decimal   `json:"discount_amount"`
	TaxAmount      decimal.Decimal   `json:"tax_amount"`
	Total          decimal.Decimal   `json:"total"`
	TopItems       []SalesReportItem `json:"top_items"`
}

// AdminSession is the deployment-wide record naming the active admin.
type AdminSession struct {
	PrincipalID  string    `json:"principal_id"`
	LoginAt      time.Time `json:"login_at"`
	LastActivity time.Time `json:"last_activity"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Principal is an authenticated identity as returned by the auth provider.
type Principal struct {
	ID    string
	Email string
	Role  string
}

type SignInResult struct {
	Principal Principal
	Token     string
	TokenID   string
	ExpiresAt time.Time
}

type Actor struct {
	PrincipalID string
	Email       string
	Role        string
	TokenID     string
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID        string
	Email     string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type UserCreateRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"required,oneof=admin employee"`
}

type UserResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokoadmin/backend/internal/domain"
	"tokoadmin/backend/internal/store"
	"tokoadmin/backend/internal/xid"
)

const defaultMaxAttempts = 5

type Store struct {
	db          *sql.DB
	maxAttempts int
	backoff     time.Duration
}

type Option func(*Store)

// WithMaxAttempts bounds how many times CommitSale retries a serialization
// failure before giving up with a TransactionAbortedError.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, maxAttempts: defaultMaxAttempts, backoff: 20 * time.Millisecond}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const itemColumns = `id, name, sku, category, unit_price, unit_cost, quantity, reorder_level, description, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := row.Scan(
		&item.ID, &item.Name, &item.SKU, &item.Category,
		&item.UnitPrice, &item.UnitCost, &item.Quantity, &item.ReorderLevel,
		&item.Description, &item.CreatedAt, &item.UpdatedAt,
	)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, err
}

func (s *Store) ListItems(ctx context.Context) ([]domain.InventoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM inventory_items
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InventoryItem, 0, 128)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (*domain.InventoryItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM inventory_items
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) CreateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if strings.TrimSpace(item.Name) == "" || item.Quantity < 0 || item.ReorderLevel < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if item.ID == "" {
		item.ID = xid.New("item")
	}

	created, err := scanItem(s.db.QueryRowContext(ctx, `
		INSERT INTO inventory_items (id, name, sku, category, unit_price, unit_cost, quantity, reorder_level, description, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())
		RETURNING `+itemColumns,
		item.ID, item.Name, item.SKU, item.Category, item.UnitPrice, item.UnitCost,
		item.Quantity, item.ReorderLevel, item.Description,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	return &created, nil
}

func (s *Store) UpdateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if strings.TrimSpace(item.Name) == "" || item.ReorderLevel < 0 {
		return nil, store.ErrInvalidTransaction
	}

	updated, err := scanItem(s.db.QueryRowContext(ctx, `
		UPDATE inventory_items
		SET name = $2, sku = $3, category = $4, unit_price = $5, unit_cost = $6,
		    reorder_level = $7, description = $8, updated_at = now()
		WHERE id = $1
		RETURNING `+itemColumns,
		item.ID, item.Name, item.SKU, item.Category, item.UnitPrice, item.UnitCost,
		item.ReorderLevel, item.Description,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &updated, nil
}

func (s *Store) IncreaseStock(ctx context.Context, id string, qty int) (*domain.InventoryItem, error) {
	if qty < 1 {
		return nil, store.ErrInvalidTransaction
	}

	updated, err := scanItem(s.db.QueryRowContext(ctx, `
		UPDATE inventory_items
		SET quantity = quantity + $2, updated_at = now()
		WHERE id = $1
		RETURNING `+itemColumns, id, qty))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &updated, nil
}

// CommitSale runs the stock check and all writes in one serializable
// transaction, retrying serialization failures and deadlocks. Stock conflicts
// are returned as-is; every other failure is reported as aborted.
func (s *Store) CommitSale(ctx context.Context, sale domain.SaleTransaction) (*domain.SaleTransaction, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		created, err := s.commitSaleOnce(ctx, sale)
		if err == nil {
			return created, nil
		}
		if isConflict(err) || errors.Is(err, store.ErrInvalidTransaction) {
			return nil, err
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, &store.TransactionAbortedError{Attempts: attempt, Cause: err}
		}
		if attempt == s.maxAttempts {
			break
		}

		timer := time.NewTimer(time.Duration(attempt) * s.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &store.TransactionAbortedError{Attempts: attempt, Cause: ctx.Err()}
		case <-timer.C:
		}
	}
	return nil, &store.TransactionAbortedError{Attempts: s.maxAttempts, Cause: lastErr}
}

func (s *Store) commitSaleOnce(ctx context.Context, sale domain.SaleTransaction) (*domain.SaleTransaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	reqs, err := store.Requirements(sale.Items)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		ids = append(ids, req.ItemID)
	}

	stockRows, err := pgTx.QueryContext(ctx, `
		SELECT id, name, quantity
		FROM inventory_items
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	current := make(map[string]domain.InventoryItem, len(ids))
	for stockRows.Next() {
		var item domain.InventoryItem
		if err := stockRows.Scan(&item.ID, &item.Name, &item.Quantity); err != nil {
			_ = stockRows.Close()
			return nil, err
		}
		current[item.ID] = item
	}
	if err := stockRows.Err(); err != nil {
		_ = stockRows.Close()
		return nil, err
	}
	_ = stockRows.Close()

	for _, req := range reqs {
		var item *domain.InventoryItem
		if found, ok := current[req.ItemID]; ok {
			item = &found
		}
		if err := store.CheckStock(req, item); err != nil {
			return nil, err
		}
	}

	var createdAt time.Time
	err = pgTx.QueryRowContext(ctx, `
		INSERT INTO sales (
			id, customer_name, subtotal, discount_percent, discount_amount,
			tax_percent, tax_amount, total, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		RETURNING created_at
	`, sale.ID, sale.CustomerName, sale.Subtotal, sale.DiscountPercent, sale.DiscountAmount,
		sale.TaxPercent, sale.TaxAmount, sale.Total, sale.CreatedBy).Scan(&createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}

	for i, line := range sale.Items {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidTransaction
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, line_no, item_id, name, unit_price, quantity, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, sale.ID, i+1, line.ItemID, line.Name, line.UnitPrice, line.Quantity, line.LineTotal); err != nil {
			return nil, err
		}
	}

	for _, req := range reqs {
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE inventory_items
			SET quantity = quantity - $2, updated_at = $3
			WHERE id = $1
		`, req.ItemID, req.Quantity, createdAt); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	sale.CreatedAt = createdAt.UTC()
	sale.Items = append([]domain.SaleLine(nil), sale.Items...)
	return &sale, nil
}

const saleColumns = `id, customer_name, subtotal, discount_percent, discount_amount, tax_percent, tax_amount, total, created_by, created_at`

func scanSale(row rowScanner) (domain.SaleTransaction, error) {
	var sale domain.SaleTransaction
	err := row.Scan(
		&sale.ID, &sale.CustomerName, &sale.Subtotal, &sale.DiscountPercent, &sale.DiscountAmount,
		&sale.TaxPercent, &sale.TaxAmount, &sale.Total, &sale.CreatedBy, &sale.CreatedAt,
	)
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, err
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.SaleTransaction, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	lines, err := s.saleLines(ctx, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = lines[sale.ID]
	return &sale, nil
}

// ListSales returns sales created in [from, to), newest first. A limit of zero
// or less returns every match.
func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.SaleTransaction, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from.UTC(), to.UTC(), limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.SaleTransaction, 0, 64)
	ids := make([]string, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sales, nil
	}

	lines, err := s.saleLines(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = lines[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) saleLines(ctx context.Context, saleIDs []string) (map[string][]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, item_id, name, unit_price, quantity, line_total
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_no
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.SaleLine, len(saleIDs))
	for rows.Next() {
		var saleID string
		var line domain.SaleLine
		if err := rows.Scan(&saleID, &line.ItemID, &line.Name, &line.UnitPrice, &line.Quantity, &line.LineTotal); err != nil {
			return nil, err
		}
		out[saleID] = append(out[saleID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetAdminSession(ctx context.Context) (*domain.AdminSession, error) {
	var session domain.AdminSession
	err := s.db.QueryRowContext(ctx, `
		SELECT principal_id, login_at, last_activity
		FROM admin_session
		WHERE id = 1
	`).Scan(&session.PrincipalID, &session.LoginAt, &session.LastActivity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.LoginAt = session.LoginAt.UTC()
	session.LastActivity = session.LastActivity.UTC()
	return &session, nil
}

func (s *Store) PutAdminSession(ctx context.Context, session domain.AdminSession) error {
	if session.PrincipalID == "" {
		return store.ErrInvalidTransaction
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_session (id, principal_id, login_at, last_activity)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id)
		DO UPDATE SET principal_id = EXCLUDED.principal_id,
		              login_at = EXCLUDED.login_at,
		              last_activity = EXCLUDED.last_activity
	`, session.PrincipalID, session.LoginAt.UTC(), session.LastActivity.UTC())
	return err
}

func (s *Store) DeleteAdminSession(ctx context.Context, principalID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM admin_session
		WHERE id = 1 AND principal_id = $1
	`, principalID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Email == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleEmployee
	}
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (id, email, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.ID, user.Email, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, password, role, active, created_at
		FROM app_users
		ORDER BY email ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.ID, &user.Email, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, email string, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE email = $1
	`, email, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrInsufficientStock) || errors.Is(err, store.ErrItemRemoved)
}

// isRetryable reports serialization_failure and deadlock_detected.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"retail-notifications-api/internal/models"
)

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			uuid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			account TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS integrations (
			uuid TEXT PRIMARY KEY,
			project_uuid TEXT NOT NULL,
			kind TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			FOREIGN KEY (project_uuid) REFERENCES projects(uuid)
		)`,
		`CREATE TABLE IF NOT EXISTS carts (
			uuid TEXT PRIMARY KEY,
			order_form_id TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			project_uuid TEXT NOT NULL,
			integration_kind TEXT NOT NULL,
			integration_uuid TEXT NOT NULL,
			status TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL DEFAULT '',
			notification_sent_at TEXT,
			created_on TEXT NOT NULL,
			modified_on TEXT NOT NULL,
			FOREIGN KEY (project_uuid) REFERENCES projects(uuid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_integrations_project ON integrations(project_uuid, kind)`,
		`CREATE INDEX IF NOT EXISTS idx_carts_session ON carts(project_uuid, order_form_id, phone_number, status)`,
		`CREATE INDEX IF NOT EXISTS idx_carts_phone_status ON carts(phone_number, project_uuid, status)`,
		`CREATE INDEX IF NOT EXISTS idx_carts_sent_at ON carts(notification_sent_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// UpsertProject creates or updates a tenant project.
func (db *DB) UpsertProject(project models.Project) error {
	query := `INSERT INTO projects (uuid, name, account) VALUES (?, ?, ?)
	ON CONFLICT(uuid) DO UPDATE SET
		name = excluded.name,
		account = excluded.account`

	_, err := db.conn.Exec(query, project.UUID, project.Name, project.Account)
	if err != nil {
		return fmt.Errorf("failed to upsert project: %w", err)
	}

	return nil
}

// GetProjectByAccount looks up the tenant owning a store account. The
// boolean reports whether the project exists.
func (db *DB) GetProjectByAccount(account string) (models.Project, bool, error) {
	var project models.Project
	err := db.conn.QueryRow(
		`SELECT uuid, name, account FROM projects WHERE account = ?`, account,
	).Scan(&project.UUID, &project.Name, &project.Account)

	if err == sql.ErrNoRows {
		return models.Project{}, false, nil
	}
	if err != nil {
		return models.Project{}, false, fmt.Errorf("failed to query project: %w", err)
	}

	return project, true, nil
}

// GetProjectByUUID looks up a tenant by primary key.
func (db *DB) GetProjectByUUID(uuid string) (models.Project, bool, error) {
	var project models.Project
	err := db.conn.QueryRow(
		`SELECT uuid, name, account FROM projects WHERE uuid = ?`, uuid,
	).Scan(&project.UUID, &project.Name, &project.Account)

	if err == sql.ErrNoRows {
		return models.Project{}, false, nil
	}
	if err != nil {
		return models.Project{}, false, fmt.Errorf("failed to query project: %w", err)
	}

	return project, true, nil
}

// UpsertIntegration stores a tenant-integration record. The config blob is
// kept verbatim; it is parsed into typed settings on every load.
func (db *DB) UpsertIntegration(integration models.Integration, rawConfig []byte) error {
	if len(rawConfig) == 0 {
		rawConfig = []byte(`{}`)
	}

	query := `INSERT INTO integrations (uuid, project_uuid, kind, config) VALUES (?, ?, ?, ?)
	ON CONFLICT(uuid) DO UPDATE SET
		project_uuid = excluded.project_uuid,
		kind = excluded.kind,
		config = excluded.config`

	_, err := db.conn.Exec(query, integration.UUID, integration.ProjectUUID, string(integration.Kind), string(rawConfig))
	if err != nil {
		return fmt.Errorf("failed to upsert integration: %w", err)
	}

	return nil
}

// GetIntegration returns the tenant's integration of the given kind with
// its config blob parsed into typed settings.
func (db *DB) GetIntegration(projectUUID string, kind models.IntegrationKind) (models.Integration, bool, error) {
	var integration models.Integration
	var kindStr, config string

	err := db.conn.QueryRow(
		`SELECT uuid, project_uuid, kind, config FROM integrations
		WHERE project_uuid = ? AND kind = ?`, projectUUID, string(kind),
	).Scan(&integration.UUID, &integration.ProjectUUID, &kindStr, &config)

	if err == sql.ErrNoRows {
		return models.Integration{}, false, nil
	}
	if err != nil {
		return models.Integration{}, false, fmt.Errorf("failed to query integration: %w", err)
	}

	integration.Kind = models.IntegrationKind(kindStr)
	integration.Settings, err = models.ParseSettings(integration.Kind, []byte(config))
	if err != nil {
		return models.Integration{}, false, err
	}

	return integration, true, nil
}

// CreateCart inserts a new cart row.
func (db *DB) CreateCart(cart models.Cart) error {
	configJSON, err := json.Marshal(cart.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize cart config: %w", err)
	}

	query := `INSERT INTO carts (
		uuid, order_form_id, phone_number, project_uuid,
		integration_kind, integration_uuid, status, config,
		error_message, created_on, modified_on
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.Exec(
		query,
		cart.UUID,
		cart.OrderFormID,
		cart.PhoneNumber,
		cart.ProjectUUID,
		string(cart.IntegrationKind),
		cart.IntegrationUUID,
		string(cart.Status),
		string(configJSON),
		cart.ErrorMessage,
		cart.CreatedOn.UTC().Format(time.RFC3339),
		cart.ModifiedOn.UTC().Format(time.RFC3339),
	)

	if err != nil {
		return fmt.Errorf("failed to insert cart: %w", err)
	}

	return nil
}

// GetCart returns a cart by UUID.
func (db *DB) GetCart(uuid string) (models.Cart, bool, error) {
	row := db.conn.QueryRow(cartSelect+` WHERE uuid = ?`, uuid)
	return scanCart(row)
}

// GetCreatedCart returns the single cart with status "created" for the
// (project, order form, phone) triple, if one exists. At most one such row
// exists; the create lock enforces that at write time.
func (db *DB) GetCreatedCart(projectUUID, orderFormID, phoneNumber string) (models.Cart, bool, error) {
	row := db.conn.QueryRow(
		cartSelect+` WHERE project_uuid = ? AND order_form_id = ? AND phone_number = ? AND status = ?`,
		projectUUID, orderFormID, phoneNumber, string(models.CartStatusCreated),
	)
	return scanCart(row)
}

// UpdateCartStatus transitions a cart and records the error message on
// delivery failures.
func (db *DB) UpdateCartStatus(uuid string, status models.CartStatus, errorMessage string) error {
	_, err := db.conn.Exec(
		`UPDATE carts SET status = ?, error_message = ?, modified_on = ? WHERE uuid = ?`,
		string(status), errorMessage, time.Now().UTC().Format(time.RFC3339), uuid,
	)
	if err != nil {
		return fmt.Errorf("failed to update cart status: %w", err)
	}
	return nil
}

// MarkCartDelivered sets delivered_success and stamps
// notification_sent_at, which the cooldown and identical-cart guards read
// for other carts on the same phone.
func (db *DB) MarkCartDelivered(uuid string, sentAt time.Time) error {
	_, err := db.conn.Exec(
		`UPDATE carts SET status = ?, notification_sent_at = ?, modified_on = ? WHERE uuid = ?`,
		string(models.CartStatusDeliveredSuccess),
		sentAt.UTC().Format(time.RFC3339),
		sentAt.UTC().Format(time.RFC3339),
		uuid,
	)
	if err != nil {
		return fmt.Errorf("failed to mark cart delivered: %w", err)
	}
	return nil
}

// SaveCartConfig persists the pipeline's accumulated diagnostics bag.
func (db *DB) SaveCartConfig(uuid string, config models.CartConfig) error {
	configJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to serialize cart config: %w", err)
	}

	_, err = db.conn.Exec(
		`UPDATE carts SET config = ?, modified_on = ? WHERE uuid = ?`,
		string(configJSON), time.Now().UTC().Format(time.RFC3339), uuid,
	)
	if err != nil {
		return fmt.Errorf("failed to save cart config: %w", err)
	}
	return nil
}

// RecentDeliveredCarts returns carts for the same phone+project whose
// notification was sent at or after the cutoff, newest first. Used by the
// cooldown and identical-cart guards.
func (db *DB) RecentDeliveredCarts(phoneNumber, projectUUID string, since time.Time) ([]models.Cart, error) {
	rows, err := db.conn.Query(
		cartSelect+` WHERE phone_number = ? AND project_uuid = ? AND status = ?
		AND notification_sent_at IS NOT NULL AND notification_sent_at >= ?
		ORDER BY notification_sent_at DESC`,
		phoneNumber, projectUUID, string(models.CartStatusDeliveredSuccess),
		since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent delivered carts: %w", err)
	}
	defer rows.Close()

	var carts []models.Cart
	for rows.Next() {
		cart, ok, err := scanCart(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			carts = append(carts, cart)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating carts: %w", err)
	}

	return carts, nil
}

// MarkPurchasedByOrderForm closes any still-created cart for an order form
// once the purchase goes through, so the pending evaluation finds a
// terminal status and stands down.
func (db *DB) MarkPurchasedByOrderForm(projectUUID, orderFormID string) error {
	_, err := db.conn.Exec(
		`UPDATE carts SET status = ?, modified_on = ? WHERE project_uuid = ? AND order_form_id = ? AND status = ?`,
		string(models.CartStatusPurchased),
		time.Now().UTC().Format(time.RFC3339),
		projectUUID, orderFormID,
		string(models.CartStatusCreated),
	)
	if err != nil {
		return fmt.Errorf("failed to mark carts purchased: %w", err)
	}
	return nil
}

const cartSelect = `SELECT uuid, order_form_id, phone_number, project_uuid,
	integration_kind, integration_uuid, status, config, error_message,
	notification_sent_at, created_on, modified_on FROM carts`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCart(row scanner) (models.Cart, bool, error) {
	var cart models.Cart
	var kind, status, configJSON string
	var sentAt sql.NullString
	var createdOn, modifiedOn string

	err := row.Scan(
		&cart.UUID,
		&cart.OrderFormID,
		&cart.PhoneNumber,
		&cart.ProjectUUID,
		&kind,
		&cart.IntegrationUUID,
		&status,
		&configJSON,
		&cart.ErrorMessage,
		&sentAt,
		&createdOn,
		&modifiedOn,
	)
	if err == sql.ErrNoRows {
		return models.Cart{}, false, nil
	}
	if err != nil {
		return models.Cart{}, false, fmt.Errorf("failed to scan cart: %w", err)
	}

	cart.IntegrationKind = models.IntegrationKind(kind)
	cart.Status = models.CartStatus(status)

	if err := json.Unmarshal([]byte(configJSON), &cart.Config); err != nil {
		return models.Cart{}, false, fmt.Errorf("failed to parse cart config: %w", err)
	}

	if sentAt.Valid {
		t, err := time.Parse(time.RFC3339, sentAt.String)
		if err != nil {
			return models.Cart{}, false, fmt.Errorf("failed to parse notification_sent_at: %w", err)
		}
		cart.NotificationSentAt = &t
	}

	cart.CreatedOn, err = time.Parse(time.RFC3339, createdOn)
	if err != nil {
		return models.Cart{}, false, fmt.Errorf("failed to parse created_on: %w", err)
	}

	cart.ModifiedOn, err = time.Parse(time.RFC3339, modifiedOn)
	if err != nil {
		return models.Cart{}, false, fmt.Errorf("failed to parse modified_on: %w", err)
	}

	return cart, true, nil
}

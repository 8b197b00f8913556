package linkpreview

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Repository persists per-message previews and the URL-level fetch cache.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetCachedURL returns the cache row for a URL. Expired rows count as a
// miss, so callers re-fetch without checking timestamps themselves.
func (r *Repository) GetCachedURL(ctx context.Context, url string) (*CacheEntry, error) {
	var c CacheEntry
	var title, description, imageURL, siteName, fetchError sql.NullString
	var fetchedAt, expiresAt string

	err := r.db.QueryRowContext(ctx, `
		SELECT url, title, description, image_url, site_name, fetched_at, expires_at, fetch_error
		FROM link_preview_cache WHERE url = ?
	`, url).Scan(&c.URL, &title, &description, &imageURL, &siteName, &fetchedAt, &expiresAt, &fetchError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.Title = title.String
	c.Description = description.String
	c.ImageURL = imageURL.String
	c.SiteName = siteName.String
	c.FetchError = fetchError.String
	c.FetchedAt, _ = time.Parse(time.RFC3339, fetchedAt)
	c.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)

	if time.Now().After(c.ExpiresAt) {
		return nil, nil
	}
	return &c, nil
}

// SetCachedURL upserts a cache row.
func (r *Repository) SetCachedURL(ctx context.Context, c *CacheEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO link_preview_cache (url, title, description, image_url, site_name, fetched_at, expires_at, fetch_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.URL, nullable(c.Title), nullable(c.Description), nullable(c.ImageURL), nullable(c.SiteName),
		c.FetchedAt.Format(time.RFC3339), c.ExpiresAt.Format(time.RFC3339), nullable(c.FetchError))
	return err
}

// CreatePreview stores the preview resolved for one message. Re-resolving
// the same URL for the same message is ignored.
func (r *Repository) CreatePreview(ctx context.Context, p *Preview) error {
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO link_previews (id, message_id, url, title, description, image_url, site_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.MessageID, p.URL, nullable(p.Title), nullable(p.Description), nullable(p.ImageURL), nullable(p.SiteName),
		p.CreatedAt.Format(time.RFC3339))
	return err
}

// GetForMessage returns the preview attached to a message, or nil.
func (r *Repository) GetForMessage(ctx context.Context, messageID string) (*Preview, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, message_id, url, title, description, image_url, site_name, created_at
		FROM link_previews WHERE message_id = ?
	`, messageID)

	p, err := scanPreview(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListForMessages returns previews keyed by message ID for one history page.
func (r *Repository) ListForMessages(ctx context.Context, messageIDs []string) (map[string]*Preview, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(messageIDs))
	args := make([]interface{}, len(messageIDs))
	for i, id := range messageIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, message_id, url, title, description, image_url, site_name, created_at
		FROM link_previews
		WHERE message_id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]*Preview)
	for rows.Next() {
		p, err := scanPreview(rows)
		if err != nil {
			return nil, err
		}
		result[p.MessageID] = p
	}
	return result, rows.Err()
}

// CleanExpiredCache drops lapsed cache rows.
func (r *Repository) CleanExpiredCache(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM link_preview_cache WHERE expires_at < ?`, time.Now().UTC().Format(time.RFC3339))
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPreview(row rowScanner) (*Preview, error) {
	var p Preview
	var title, description, imageURL, siteName sql.NullString
	var createdAt string

	if err := row.Scan(&p.ID, &p.MessageID, &p.URL, &title, &description, &imageURL, &siteName, &createdAt); err != nil {
		return nil, err
	}

	p.Title = title.String
	p.Description = description.String
	p.ImageURL = imageURL.String
	p.SiteName = siteName.String
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &p, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

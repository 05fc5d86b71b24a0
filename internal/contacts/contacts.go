// Package contacts persists the address book each tenant's phone syncs.
package contacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/smsbridge/smsbridge/internal/protocol"
	"github.com/smsbridge/smsbridge/internal/tenant"
	"go.uber.org/zap"
)

// SearchLimit caps the number of rows a search returns.
const SearchLimit = 50

// ErrNotFound is returned by FindByNumber when no contact matches.
var ErrNotFound = errors.New("contact not found")

// Store is the contact persistence used by the router and the HTTP API.
type Store interface {
	Replace(ctx context.Context, id tenant.ID, contacts []protocol.Contact) error
	List(ctx context.Context, id tenant.ID) ([]protocol.Contact, error)
	Search(ctx context.Context, id tenant.ID, query string) ([]protocol.Contact, error)
	Count(ctx context.Context, id tenant.ID) (int, error)
	FindByNumber(ctx context.Context, id tenant.ID, number string) (protocol.Contact, error)
}

// SQLStore keeps contacts in the shared SQLite database.
type SQLStore struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSQLStore wraps an opened database. A nil logger disables logging.
func NewSQLStore(db *sql.DB, log *zap.Logger) *SQLStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &SQLStore{db: db, log: log}
}

// Replace swaps the tenant's whole contact list in one transaction. When a sync
// repeats a number the last entry wins.
func (s *SQLStore) Replace(ctx context.Context, id tenant.ID, contacts []protocol.Contact) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin contact sync: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM contacts WHERE tenant = ?`, string(id)); err != nil {
		return fmt.Errorf("clear contacts: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO contacts (tenant, name, number) VALUES (?, ?, ?)
		ON CONFLICT(tenant, number) DO UPDATE SET name = excluded.name`)
	if err != nil {
		return fmt.Errorf("prepare contact insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range contacts {
		if _, err = stmt.ExecContext(ctx, string(id), c.Name, c.Number); err != nil {
			return fmt.Errorf("insert contact: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit contact sync: %w", err)
	}
	s.log.Info("contacts synced", zap.String("tenant", id.String()), zap.Int("count", len(contacts)))
	return nil
}

// List returns every contact of the tenant ordered by name.
func (s *SQLStore) List(ctx context.Context, id tenant.ID) ([]protocol.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, number FROM contacts WHERE tenant = ? ORDER BY name, number`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return scanContacts(rows)
}

// Search matches query as a substring of name or number, ordered by name.
func (s *SQLStore) Search(ctx context.Context, id tenant.ID, query string) ([]protocol.Contact, error) {
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, number FROM contacts
		WHERE tenant = ? AND (name LIKE ? ESCAPE '\' OR number LIKE ? ESCAPE '\')
		ORDER BY name, number
		LIMIT ?`, string(id), pattern, pattern, SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("search contacts: %w", err)
	}
	return scanContacts(rows)
}

// Count returns how many contacts the tenant has.
func (s *SQLStore) Count(ctx context.Context, id tenant.ID) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contacts WHERE tenant = ?`, string(id)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count contacts: %w", err)
	}
	return n, nil
}

// FindByNumber looks a number up ignoring formatting. A stored number matches
// when either normalized form ends with the other, so national and
// international spellings of the same line resolve to one contact.
func (s *SQLStore) FindByNumber(ctx context.Context, id tenant.ID, number string) (protocol.Contact, error) {
	want := NormalizeNumber(number)
	if want == "" {
		return protocol.Contact{}, ErrNotFound
	}

	all, err := s.List(ctx, id)
	if err != nil {
		return protocol.Contact{}, err
	}
	for _, c := range all {
		have := NormalizeNumber(c.Number)
		if have == "" {
			continue
		}
		if have == want || strings.HasSuffix(have, want) || strings.HasSuffix(want, have) {
			return c, nil
		}
	}
	return protocol.Contact{}, ErrNotFound
}

// NormalizeNumber keeps only digits and '+'.
func NormalizeNumber(number string) string {
	var b strings.Builder
	b.Grow(len(number))
	for _, r := range number {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanContacts(rows *sql.Rows) ([]protocol.Contact, error) {
	defer rows.Close()

	out := []protocol.Contact{}
	for rows.Next() {
		var c protocol.Contact
		if err := rows.Scan(&c.Name, &c.Number); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return out, nil
}

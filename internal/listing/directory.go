// Package listing reads listing summaries from the catalog tables. The
// catalog itself is owned elsewhere; chats only need existence and a title.
package listing

import (
	"context"
	"database/sql"
	"errors"

	"market-chat/internal/chat"
)

type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Summary implements chat.ListingDirectory.
func (d *PostgresDirectory) Summary(ctx context.Context, listingID string) (chat.ListingSummary, bool, error) {
	var s chat.ListingSummary
	var owner sql.NullString
	query := `SELECT id, title, owner_id FROM listings WHERE id = $1`
	err := d.db.QueryRowContext(ctx, query, listingID).Scan(&s.ID, &s.Title, &owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.ListingSummary{}, false, nil
		}
		return chat.ListingSummary{}, false, err
	}
	s.OwnerID = owner.String
	return s, true, nil
}

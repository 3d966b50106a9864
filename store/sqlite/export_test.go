package sqlite

import "context"

// Exec runs raw SQL against the database, bypassing the store API.
func (s *Store) Exec(ctx context.Context, query string) error {
	_, err := s.db.ExecContext(ctx, query)
	return err
}

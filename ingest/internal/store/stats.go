package store

import "context"

// Stats returns aggregate counters over the corpus and connector states.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		BySource:   map[string]int{},
		Connectors: map[Status]int{},
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&st.Records); err != nil {
		return nil, storeErr("stats", err)
	}
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE annotations != '{}'`).Scan(&st.Annotated); err != nil {
		return nil, storeErr("stats", err)
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM fetch_log`).Scan(&st.FetchLogs); err != nil {
		return nil, storeErr("stats", err)
	}

	if err := s.countBy(ctx, `SELECT source, COUNT(*) FROM records GROUP BY source`, func(k string, n int) {
		st.BySource[k] = n
	}); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, `SELECT status, COUNT(*) FROM connector_state GROUP BY status`, func(k string, n int) {
		st.Connectors[Status(k)] = n
	}); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) countBy(ctx context.Context, q string, set func(string, int)) error {
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return storeErr("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return storeErr("stats", err)
		}
		set(k, n)
	}
	return storeErr("stats", rows.Err())
}

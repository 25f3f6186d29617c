package peerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/rtid"
)

const pgLogPrefix = "peerstore:postgres"

// PgStore keeps peers in the known_peers table.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

// NewPgStore creates a store over pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Touch(ctx context.Context, client channel.ClientInfo) (bool, error) {
	if client.ID == "" {
		return false, fmt.Errorf("%s - peer without id", pgLogPrefix)
	}
	slog.Debug(fmt.Sprintf("%s - Touch id=%s name=%s", pgLogPrefix, client.ID, client.Name))

	var connects int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO known_peers (id, name, type, version, first_seen, last_seen, connects)
		 VALUES ($1, $2, $3, $4, $5, $5, 1)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   version = EXCLUDED.version,
		   last_seen = EXCLUDED.last_seen,
		   connects = known_peers.connects + 1
		 RETURNING connects`,
		client.ID, client.Name, string(client.Type), client.Version, time.Now().UTC()).Scan(&connects)
	if err != nil {
		return false, fmt.Errorf("%s - touch %s: %w", pgLogPrefix, client.ID, err)
	}
	return connects > 1, nil
}

func (s *PgStore) Get(ctx context.Context, id string) (*Peer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, type, version, first_seen, last_seen, connects
		 FROM known_peers
		 WHERE id = $1`, id)
	p, err := scanPeer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s - %s: %w", pgLogPrefix, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - get %s: %w", pgLogPrefix, id, err)
	}
	return p, nil
}

func (s *PgStore) List(ctx context.Context) ([]Peer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, type, version, first_seen, last_seen, connects
		 FROM known_peers
		 ORDER BY last_seen DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("%s - list: %w", pgLogPrefix, err)
	}
	defer rows.Close()

	var out []Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("%s - scan: %w", pgLogPrefix, err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PgStore) Forget(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM known_peers WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("%s - forget %s: %w", pgLogPrefix, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanPeer(row pgx.Row) (*Peer, error) {
	var p Peer
	var typ string
	if err := row.Scan(&p.ID, &p.Name, &typ, &p.Version, &p.FirstSeen, &p.LastSeen, &p.Connects); err != nil {
		return nil, err
	}
	p.Type = rtid.Context(typ)
	return &p, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func OpenPostgres(ctx context.Context, dsn string, logger zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
create table if not exists users (
  alias text primary key,
  pubkey text unique not null
);

create table if not exists withdrawal_codes (
  code text primary key,
  user_alias text not null references users (alias)
);

create table if not exists payments (
  seq bigserial unique,
  payment_request text primary key,
  payment_request_forward text,
  user_alias text not null references users (alias),
  amount_sat bigint not null default 0 check (amount_sat >= 0),
  settled boolean not null default false,
  forwarded boolean not null default false,
  comment text,
  created_at timestamptz not null default now(),
  constraint payments_forwarded_settled check (not forwarded or settled)
);

create index if not exists payments_unforwarded_idx on payments (user_alias, seq)
  where settled and not forwarded;

create table if not exists cursors (
  key text primary key,
  value text not null,
  updated_at timestamptz not null default now()
);
`)
	if err != nil {
		return err
	}
	s.logger.Debug().Msg("postgres schema ready")
	return nil
}

func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

func (s *PostgresStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.pool.Exec(ctx, `insert into users (alias, pubkey) values ($1, $2)`, u.Alias, u.Pubkey)
	return mapPgErr(err)
}

func (s *PostgresStore) GetUserByAlias(ctx context.Context, alias string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `select alias, pubkey from users where alias=$1`, alias).Scan(&u.Alias, &u.Pubkey)
	return u, mapPgErr(err)
}

func (s *PostgresStore) GetUserByPubkey(ctx context.Context, pubkey string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `select alias, pubkey from users where pubkey=$1`, pubkey).Scan(&u.Alias, &u.Pubkey)
	return u, mapPgErr(err)
}

func (s *PostgresStore) CreateWithdrawalCode(ctx context.Context, wc WithdrawalCode) error {
	_, err := s.pool.Exec(ctx, `insert into withdrawal_codes (code, user_alias) values ($1, $2)`, wc.Code, wc.UserAlias)
	return mapPgErr(err)
}

func (s *PostgresStore) GetWithdrawalCode(ctx context.Context, code string) (WithdrawalCode, error) {
	var wc WithdrawalCode
	err := s.pool.QueryRow(ctx, `select code, user_alias from withdrawal_codes where code=$1`, code).Scan(&wc.Code, &wc.UserAlias)
	return wc, mapPgErr(err)
}

func (s *PostgresStore) CreatePayment(ctx context.Context, p Payment) error {
	_, err := s.pool.Exec(ctx, `
insert into payments (payment_request, payment_request_forward, user_alias, amount_sat, settled, forwarded, comment)
values ($1, nullif($2, ''), $3, $4, $5, $6, nullif($7, ''))
`, p.PaymentRequest, p.PaymentRequestForward, p.UserAlias, p.AmountSat, p.Settled, p.Forwarded, p.Comment)
	return mapPgErr(err)
}

const paymentColumns = `payment_request, coalesce(payment_request_forward, ''), user_alias, amount_sat,
  settled, forwarded, coalesce(comment, ''), created_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.PaymentRequest, &p.PaymentRequestForward, &p.UserAlias, &p.AmountSat,
		&p.Settled, &p.Forwarded, &p.Comment, &p.CreatedAt)
	return p, err
}

func (s *PostgresStore) GetPayment(ctx context.Context, paymentRequest string) (Payment, error) {
	row := s.pool.QueryRow(ctx, `select `+paymentColumns+` from payments where payment_request=$1`, paymentRequest)
	p, err := scanPayment(row)
	return p, mapPgErr(err)
}

func (s *PostgresStore) MarkSettled(ctx context.Context, paymentRequest string, amountPaidSat int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
update payments
set settled=true,
    amount_sat=case when $2::bigint > 0 then $2::bigint else amount_sat end
where payment_request=$1 and not settled
`, paymentRequest, amountPaidSat)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `select exists(select 1 from payments where payment_request=$1)`, paymentRequest).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) ListSettledUnforwarded(ctx context.Context, alias string) ([]Payment, error) {
	rows, err := s.pool.Query(ctx, `
select `+paymentColumns+`
from payments
where user_alias=$1 and settled and not forwarded
order by seq
`, alias)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkForwarded(ctx context.Context, alias, forwardPR string, paymentRequests []string) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
select payment_request from payments
where user_alias=$1 and settled and not forwarded
order by seq
for update
`, alias)
	if err != nil {
		return 0, err
	}
	available := map[string]struct{}{}
	var all []string
	for rows.Next() {
		var pr string
		if err := rows.Scan(&pr); err != nil {
			rows.Close()
			return 0, err
		}
		available[pr] = struct{}{}
		all = append(all, pr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	targets := all
	if paymentRequests != nil {
		targets = uniq(paymentRequests)
		for _, pr := range targets {
			if _, ok := available[pr]; !ok {
				return 0, ErrConflict
			}
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	tag, err := tx.Exec(ctx, `
update payments
set forwarded=true, payment_request_forward=$2
where payment_request = any($1) and user_alias=$3 and settled and not forwarded
`, targets, forwardPR, alias)
	if err != nil {
		return 0, err
	}
	if int(tag.RowsAffected()) != len(targets) {
		return 0, ErrConflict
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(targets), nil
}

func (s *PostgresStore) GetCursor(ctx context.Context, key string) (string, error) {
	var val string
	err := s.pool.QueryRow(ctx, `select value from cursors where key=$1`, key).Scan(&val)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return val, err
}

func (s *PostgresStore) SetCursor(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
insert into cursors (key, value, updated_at)
values ($1, $2, now())
on conflict (key) do update set value=excluded.value, updated_at=excluded.updated_at
`, key, value)
	return err
}

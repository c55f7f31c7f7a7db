// Package repository содержит реализации хранилища заявок, кошельков и начислений.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/coinledger/internal/apperr"
	"github.com/mmeshcher/coinledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultOpTimeout ограничивает длительность одной операции с БД.
const DefaultOpTimeout = 5 * time.Second

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string, opTimeout time.Duration) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	r := &PostgresRepository{pool: pool, opTimeout: opTimeout}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

// classify приводит ошибку драйвера к классам apperr.
func classify(parent context.Context, op string, err error) error {
	if err == nil {
		return nil
	}

	// Истёк собственный таймаут операции, а не контекст вызывающего.
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%s: %w: %v", op, apperr.ErrStoreUnavailable, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%s: %w: %s", op, apperr.ErrDuplicate, pgErr.ConstraintName)
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
			return fmt.Errorf("%s: %w: %s", op, apperr.ErrConflict, pgErr.Message)
		case pgerrcode.CheckViolation:
			return fmt.Errorf("%s: %w: %s", op, apperr.ErrValidation, pgErr.ConstraintName)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%s: %w: %s", op, apperr.ErrNotFound, pgErr.ConstraintName)
		}
		if pgerrcode.IsConnectionException(pgErr.Code) {
			return fmt.Errorf("%s: %w: %s", op, apperr.ErrStoreUnavailable, pgErr.Message)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if pgconn.SafeToRetry(err) || isConnectionError(err) {
		return fmt.Errorf("%s: %w: %v", op, apperr.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// inTx выполняет fn в транзакции с таймаутом операции.
func (r *PostgresRepository) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(opCtx)
	if err != nil {
		return classify(ctx, op+": begin tx", err)
	}
	defer tx.Rollback(opCtx)

	if err := fn(opCtx, tx); err != nil {
		return classify(ctx, op, err)
	}

	if err := tx.Commit(opCtx); err != nil {
		return classify(ctx, op+": commit tx", err)
	}
	return nil
}

// CreateUser создаёт пользователя и пустой кошелёк.
func (r *PostgresRepository) CreateUser(ctx context.Context, u model.User) error {
	return r.inTx(ctx, "create user", func(ctx context.Context, tx pgx.Tx) error {
		var referrer *string
		if u.ReferrerID != "" {
			referrer = &u.ReferrerID
		}

		createdAt := u.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO users (id, referrer_id, membership_tier, created_at) VALUES ($1, $2, $3, $4)`,
			u.ID, referrer, u.MembershipTier, createdAt,
		); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `INSERT INTO wallets (user_id, updated_at) VALUES ($1, $2)`, u.ID, createdAt)
		return err
	})
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id string) (*model.User, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	var (
		u        model.User
		referrer *string
	)
	err := r.pool.QueryRow(opCtx,
		`SELECT id, referrer_id, membership_tier, created_at FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &referrer, &u.MembershipTier, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", apperr.ErrNotFound, id)
		}
		return nil, classify(ctx, "get user", err)
	}
	if referrer != nil {
		u.ReferrerID = *referrer
	}

	return &u, nil
}

// GetReferrerOf возвращает реферера пользователя или nil, если его нет.
func (r *PostgresRepository) GetReferrerOf(ctx context.Context, userID string) (*model.User, error) {
	u, err := r.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.ReferrerID == "" {
		return nil, nil
	}
	return r.GetUser(ctx, u.ReferrerID)
}

const ticketColumns = `id, user_id, type, amount, interest::text, status, membership_tier,
	matched_ticket_id, confirmed, created_at, updated_at`

func scanTicket(row pgx.Row) (*model.Ticket, error) {
	var (
		t        model.Ticket
		typ      string
		status   string
		interest string
		matched  *string
	)
	if err := row.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &interest, &status, &t.MembershipTier,
		&matched, &t.Confirmed, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}

	rate, err := decimal.NewFromString(interest)
	if err != nil {
		return nil, fmt.Errorf("parse interest %q: %w", interest, err)
	}

	t.Type = model.TicketType(typ)
	t.Status = model.TicketStatus(status)
	t.Interest = rate
	if matched != nil {
		t.MatchedTicketID = *matched
	}
	return &t, nil
}

// CreateTicket сохраняет заявку. Для инвестиционной заявки сумма блокируется на кошельке
// в той же транзакции.
func (r *PostgresRepository) CreateTicket(ctx context.Context, t model.Ticket) error {
	return r.inTx(ctx, "create ticket", func(ctx context.Context, tx pgx.Tx) error {
		if t.Type == model.TicketTypeInvest {
			tag, err := tx.Exec(ctx,
				`UPDATE wallets
				 SET locked_balance = locked_balance + $2, updated_at = now()
				 WHERE user_id = $1 AND balance - locked_balance >= $2`,
				t.UserID, t.Amount,
			)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return r.explainWalletMiss(ctx, tx, t.UserID, t.Amount)
			}
		}

		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO tickets (id, user_id, type, amount, interest, status, membership_tier, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $8)`,
			t.ID, t.UserID, string(t.Type), t.Amount, t.Interest.String(), string(t.Status), t.MembershipTier, createdAt,
		)
		return err
	})
}

func (r *PostgresRepository) explainWalletMiss(ctx context.Context, tx pgx.Tx, userID string, need int64) error {
	var available int64
	err := tx.QueryRow(ctx,
		`SELECT balance - locked_balance FROM wallets WHERE user_id = $1`,
		userID,
	).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: wallet %s", apperr.ErrNotFound, userID)
		}
		return err
	}
	return fmt.Errorf("%w: available %d, need %d", apperr.ErrInsufficientFunds, available, need)
}

// GetTicket возвращает заявку по идентификатору.
func (r *PostgresRepository) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	t, err := scanTicket(r.pool.QueryRow(opCtx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: ticket %s", apperr.ErrNotFound, id)
		}
		return nil, classify(ctx, "get ticket", err)
	}
	return t, nil
}

// FindTickets возвращает заявки, подходящие под фильтр, от старых к новым.
func (r *PostgresRepository) FindTickets(ctx context.Context, f model.TicketFilter) ([]model.Ticket, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Amount != 0 {
		add("amount = $%d", f.Amount)
	}
	if !f.CreatedAfter.IsZero() {
		add("created_at > $%d", f.CreatedAfter)
	}

	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at, id`

	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(opCtx, query, args...)
	if err != nil {
		return nil, classify(ctx, "select tickets", err)
	}
	defer rows.Close()

	var res []model.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, classify(ctx, "scan ticket", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(ctx, "rows error", err)
	}

	return res, nil
}

// UpdateTicketStatus переводит заявку из статуса from в to, только если она всё ещё в from.
// Отмена инвестиционной заявки снимает блокировку средств.
func (r *PostgresRepository) UpdateTicketStatus(ctx context.Context, id string, from, to model.TicketStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidState, from, to)
	}

	return r.inTx(ctx, "update ticket status", func(ctx context.Context, tx pgx.Tx) error {
		var (
			userID string
			typ    string
			amount int64
		)
		err := tx.QueryRow(ctx,
			`UPDATE tickets SET status = $3, updated_at = now()
			 WHERE id = $1 AND status = $2
			 RETURNING user_id, type, amount`,
			id, string(from), string(to),
		).Scan(&userID, &typ, &amount)
		if errors.Is(err, pgx.ErrNoRows) {
			var current string
			err := tx.QueryRow(ctx, `SELECT status FROM tickets WHERE id = $1`, id).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: ticket %s", apperr.ErrNotFound, id)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: ticket %s is %s", apperr.ErrConflict, id, current)
		}
		if err != nil {
			return err
		}

		if to == model.TicketStatusCancelled && model.TicketType(typ) == model.TicketTypeInvest {
			_, err = tx.Exec(ctx,
				`UPDATE wallets SET locked_balance = locked_balance - $2, updated_at = now() WHERE user_id = $1`,
				userID, amount,
			)
		}
		return err
	})
}

// MatchTickets атомарно переводит обе заявки в Matched. Если хотя бы одна уже не Open,
// транзакция откатывается с ErrConflict.
func (r *PostgresRepository) MatchTickets(ctx context.Context, ticketID, counterpartyID string) error {
	return r.inTx(ctx, "match tickets", func(ctx context.Context, tx pgx.Tx) error {
		// Строки блокируются в порядке идентификаторов, чтобы встречные сопоставления не взаимоблокировались.
		first, second := ticketID, counterpartyID
		if first > second {
			first, second = second, first
		}
		partner := map[string]string{ticketID: counterpartyID, counterpartyID: ticketID}

		for _, id := range []string{first, second} {
			tag, err := tx.Exec(ctx,
				`UPDATE tickets SET status = $3, matched_ticket_id = $2, updated_at = now()
				 WHERE id = $1 AND status = $4`,
				id, partner[id], string(model.TicketStatusMatched), string(model.TicketStatusOpen),
			)
			if err != nil {
				return err
			}
			if tag.RowsAffected() != 1 {
				return fmt.Errorf("%w: ticket %s is no longer open", apperr.ErrConflict, id)
			}
		}
		return nil
	})
}

// ConfirmTicket отмечает подтверждение владельца. Когда подтверждены обе заявки пары,
// они переходят в Completed, а сумма переводится от инвестора заёмщику.
func (r *PostgresRepository) ConfirmTicket(ctx context.Context, id, userID string) (*model.Ticket, bool, error) {
	var (
		result    *model.Ticket
		completed bool
	)

	err := r.inTx(ctx, "confirm ticket", func(ctx context.Context, tx pgx.Tx) error {
		t, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: ticket %s", apperr.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if t.UserID != userID {
			return fmt.Errorf("%w: ticket %s", apperr.ErrForbidden, id)
		}
		if t.Status != model.TicketStatusMatched || t.MatchedTicketID == "" {
			return fmt.Errorf("%w: ticket %s is %s", apperr.ErrInvalidState, id, t.Status)
		}

		rows, err := tx.Query(ctx,
			`SELECT `+ticketColumns+` FROM tickets WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
			[]string{t.ID, t.MatchedTicketID},
		)
		if err != nil {
			return err
		}
		locked := make(map[string]*model.Ticket, 2)
		for rows.Next() {
			lt, err := scanTicket(rows)
			if err != nil {
				rows.Close()
				return err
			}
			locked[lt.ID] = lt
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		t, cp := locked[t.ID], locked[t.MatchedTicketID]
		if t == nil || cp == nil {
			return fmt.Errorf("%w: matched pair for ticket %s", apperr.ErrNotFound, id)
		}
		if t.Status != model.TicketStatusMatched {
			return fmt.Errorf("%w: ticket %s is %s", apperr.ErrConflict, id, t.Status)
		}

		t.Confirmed = true
		if !cp.Confirmed {
			if _, err := tx.Exec(ctx,
				`UPDATE tickets SET confirmed = TRUE, updated_at = now() WHERE id = $1`,
				t.ID,
			); err != nil {
				return err
			}
			result = t
			return nil
		}

		lender, borrower := t, cp
		if lender.Type != model.TicketTypeInvest {
			lender, borrower = cp, t
		}

		tag, err := tx.Exec(ctx,
			`UPDATE wallets
			 SET balance = balance - $2, locked_balance = locked_balance - $2, updated_at = now()
			 WHERE user_id = $1 AND locked_balance >= $2`,
			lender.UserID, lender.Amount,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%w: lender %s has no locked funds", apperr.ErrInsufficientFunds, lender.UserID)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE wallets SET balance = balance + $2, updated_at = now() WHERE user_id = $1`,
			borrower.UserID, lender.Amount,
		); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE tickets SET status = $2, confirmed = TRUE, updated_at = now() WHERE id = ANY($1)`,
			[]string{t.ID, cp.ID}, string(model.TicketStatusCompleted),
		); err != nil {
			return err
		}

		t.Status = model.TicketStatusCompleted
		result = t
		completed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return result, completed, nil
}

// GetWallet возвращает кошелёк пользователя.
func (r *PostgresRepository) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	var w model.Wallet
	err := r.pool.QueryRow(opCtx,
		`SELECT user_id, balance, locked_balance, updated_at FROM wallets WHERE user_id = $1`,
		userID,
	).Scan(&w.UserID, &w.Balance, &w.LockedBalance, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: wallet %s", apperr.ErrNotFound, userID)
		}
		return nil, classify(ctx, "get wallet", err)
	}
	return &w, nil
}

// CreditWallet увеличивает баланс кошелька на amount.
func (r *PostgresRepository) CreditWallet(ctx context.Context, userID string, amount int64) (*model.Wallet, error) {
	if amount <= 0 {
		return nil, apperr.Validationf("credit amount must be positive, got %d", amount)
	}

	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	var w model.Wallet
	err := r.pool.QueryRow(opCtx,
		`UPDATE wallets SET balance = balance + $2, updated_at = now()
		 WHERE user_id = $1
		 RETURNING user_id, balance, locked_balance, updated_at`,
		userID, amount,
	).Scan(&w.UserID, &w.Balance, &w.LockedBalance, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: wallet %s", apperr.ErrNotFound, userID)
		}
		return nil, classify(ctx, "credit wallet", err)
	}
	return &w, nil
}

const commissionColumns = `id, referrer_id, payer_id, transaction_id, transaction_type, amount,
	tier_rate::text, status, created_at, paid_at`

func scanCommission(row pgx.Row) (*model.CommissionRecord, error) {
	var (
		c      model.CommissionRecord
		cents  int64
		rate   string
		status string
	)
	if err := row.Scan(&c.ID, &c.ReferrerID, &c.PayerID, &c.TransactionID, &c.TransactionType,
		&cents, &rate, &status, &c.CreatedAt, &c.PaidAt); err != nil {
		return nil, err
	}

	r, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("parse tier rate %q: %w", rate, err)
	}

	c.Amount = model.FromMinor(cents)
	c.TierRateApplied = r
	c.Status = model.CommissionStatus(status)
	return &c, nil
}

// CreateCommissionRecord сохраняет начисление. Повтор по той же транзакции возвращает ErrDuplicate.
func (r *PostgresRepository) CreateCommissionRecord(ctx context.Context, c model.CommissionRecord) error {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.pool.Exec(opCtx,
		`INSERT INTO commissions (id, referrer_id, payer_id, transaction_id, transaction_type, amount, tier_rate, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8, $9)`,
		c.ID, c.ReferrerID, c.PayerID, c.TransactionID, c.TransactionType,
		model.ToMinor(c.Amount), c.TierRateApplied.String(), string(c.Status), createdAt,
	)
	if err != nil {
		return classify(ctx, "insert commission", err)
	}
	return nil
}

// GetCommissionByTransaction возвращает начисление по идентификатору транзакции.
func (r *PostgresRepository) GetCommissionByTransaction(ctx context.Context, transactionID string) (*model.CommissionRecord, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	c, err := scanCommission(r.pool.QueryRow(opCtx,
		`SELECT `+commissionColumns+` FROM commissions WHERE transaction_id = $1`,
		transactionID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: commission for transaction %s", apperr.ErrNotFound, transactionID)
		}
		return nil, classify(ctx, "get commission", err)
	}
	return c, nil
}

// ListPendingCommissions возвращает неоплаченные начисления реферера, либо всех рефереров при пустом referrerID.
func (r *PostgresRepository) ListPendingCommissions(ctx context.Context, referrerID string) ([]model.CommissionRecord, error) {
	if referrerID == "" {
		return r.queryCommissions(ctx,
			`SELECT `+commissionColumns+` FROM commissions WHERE status = $1 ORDER BY created_at, id`,
			string(model.CommissionStatusPending),
		)
	}
	return r.queryCommissions(ctx,
		`SELECT `+commissionColumns+` FROM commissions WHERE status = $1 AND referrer_id = $2 ORDER BY created_at, id`,
		string(model.CommissionStatusPending), referrerID,
	)
}

// ListCommissionsByReferrer возвращает все начисления реферера.
func (r *PostgresRepository) ListCommissionsByReferrer(ctx context.Context, referrerID string) ([]model.CommissionRecord, error) {
	return r.queryCommissions(ctx,
		`SELECT `+commissionColumns+` FROM commissions WHERE referrer_id = $1 ORDER BY created_at, id`,
		referrerID,
	)
}

func (r *PostgresRepository) queryCommissions(ctx context.Context, query string, args ...any) ([]model.CommissionRecord, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(opCtx, query, args...)
	if err != nil {
		return nil, classify(ctx, "select commissions", err)
	}
	defer rows.Close()

	var res []model.CommissionRecord
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, classify(ctx, "scan commission", err)
		}
		res = append(res, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(ctx, "rows error", err)
	}

	return res, nil
}

// UpdateCommissionStatus переводит начисление из статуса from в to, только если оно всё ещё в from.
func (r *PostgresRepository) UpdateCommissionStatus(ctx context.Context, id string, from, to model.CommissionStatus) error {
	if from != model.CommissionStatusPending || to != model.CommissionStatusPaid {
		return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidState, from, to)
	}

	return r.inTx(ctx, "update commission status", func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE commissions SET status = $3, paid_at = now() WHERE id = $1 AND status = $2`,
			id, string(from), string(to),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		var current string
		err = tx.QueryRow(ctx, `SELECT status FROM commissions WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: commission %s", apperr.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: commission %s is %s", apperr.ErrConflict, id, current)
	})
}

// PayoutCommissions переводит перечисленные начисления реферера из Pending в Paid
// и зачисляет их сумму на кошелёк в одной транзакции. Условие status = Pending проверяется
// для каждой строки, поэтому параллельные выплаты не оплачивают запись дважды.
func (r *PostgresRepository) PayoutCommissions(ctx context.Context, referrerID string, ids []string) (int, decimal.Decimal, error) {
	var (
		paid  int
		cents int64
	)

	err := r.inTx(ctx, "payout commissions", func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE commissions SET status = $3, paid_at = now()
			 WHERE id = ANY($1) AND referrer_id = $2 AND status = $4
			 RETURNING amount`,
			ids, referrerID, string(model.CommissionStatusPaid), string(model.CommissionStatusPending),
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var amount int64
			if err := rows.Scan(&amount); err != nil {
				rows.Close()
				return err
			}
			paid++
			cents += amount
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if paid == 0 {
			return nil
		}

		tag, err := tx.Exec(ctx,
			`UPDATE wallets SET balance = balance + $2, updated_at = now() WHERE user_id = $1`,
			referrerID, cents,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%w: wallet %s", apperr.ErrNotFound, referrerID)
		}
		return nil
	})
	if err != nil {
		return 0, decimal.Zero, err
	}

	return paid, model.FromMinor(cents), nil
}

// CommissionTotals возвращает сумму всех начислений (Pending и Paid) по каждому рефереру.
func (r *PostgresRepository) CommissionTotals(ctx context.Context) ([]model.ReferrerTotal, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(opCtx,
		`SELECT c.referrer_id, COALESCE(SUM(c.amount), 0), u.created_at
		 FROM commissions c
		 JOIN users u ON u.id = c.referrer_id
		 GROUP BY c.referrer_id, u.created_at`,
	)
	if err != nil {
		return nil, classify(ctx, "sum commissions", err)
	}
	defer rows.Close()

	var res []model.ReferrerTotal
	for rows.Next() {
		var (
			t     model.ReferrerTotal
			cents int64
		)
		if err := rows.Scan(&t.ReferrerID, &cents, &t.ReferrerCreatedAt); err != nil {
			return nil, classify(ctx, "scan total", err)
		}
		t.Total = model.FromMinor(cents)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(ctx, "rows error", err)
	}

	return res, nil
}

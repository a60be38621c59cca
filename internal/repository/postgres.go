// Package repository содержит реализацию реестра в PostgreSQL.
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

	"github.com/mmeshcher/edcred-system/internal/ledger"
	"github.com/mmeshcher/edcred-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresLedger предоставляет доступ к состоянию реестра в PostgreSQL.
// Каждая операция выполняется в одной транзакции; блокировки строк
// сериализуют конкурентные изменения одного и того же счёта.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger создаёт новый реестр и инициализирует схему БД через миграции.
func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
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

	r := &PostgresLedger{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresLedger) runMigrations(ctx context.Context) error {
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

// withRetry повторяет fn при конфликтах сериализации и временных сетевых сбоях.
// Применяется только к чтению и идемпотентным операциям: путь перевода средств
// не ретраится никогда.
func (r *PostgresLedger) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresLedger) Close() error {
	r.pool.Close()
	return nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, e model.Event) error {
	var educator, student *string
	if e.Educator != "" {
		v := string(e.Educator)
		educator = &v
	}
	if e.Student != "" {
		v := string(e.Student)
		student = &v
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO events (kind, educator, student, test_id, amount) VALUES ($1, $2, $3, $4, $5)`,
		string(e.Kind), educator, student, e.TestID, e.Amount,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RegisterEducator активирует роль преподавателя для указанного адреса.
func (r *PostgresLedger) RegisterEducator(ctx context.Context, target model.Address) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO educators (address) VALUES ($1)`,
		string(target),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: educator %s", ledger.ErrAlreadyRegistered, target)
		}
		return fmt.Errorf("insert educator: %w", err)
	}

	if err := appendEvent(ctx, tx, model.Event{Kind: model.EventEducatorAdded, Educator: target}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RegisterStudent активирует роль студента для указанного адреса.
// Запись студента могла появиться раньше через зачёт испытания, поэтому
// повторной регистрацией считается только уже активная роль.
func (r *PostgresLedger) RegisterStudent(ctx context.Context, target model.Address) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO students (address, active) VALUES ($1, TRUE)
		 ON CONFLICT (address) DO UPDATE SET active = TRUE
		 WHERE students.active = FALSE`,
		string(target),
	)
	if err != nil {
		return fmt.Errorf("upsert student: %w", err)
	}

	// Ноль затронутых строк означает, что роль уже была активна.
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: student %s", ledger.ErrAlreadyRegistered, target)
	}

	if err := appendEvent(ctx, tx, model.Event{Kind: model.EventStudentAdded, Student: target}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreateTest регистрирует новое испытание и возвращает его идентификатор.
// Идентификатор берётся из строки-счётчика под блокировкой: откат транзакции
// возвращает значение, поэтому в нумерации не бывает дыр.
func (r *PostgresLedger) CreateTest(ctx context.Context, owner model.Address, price int64, contentHash string) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var active bool
	err = tx.QueryRow(ctx,
		`SELECT active FROM educators WHERE address = $1 FOR UPDATE`,
		string(owner),
	).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s is not an active educator", ledger.ErrUnauthorized, owner)
		}
		return 0, fmt.Errorf("lock educator: %w", err)
	}
	if !active {
		return 0, fmt.Errorf("%w: %s is not an active educator", ledger.ErrUnauthorized, owner)
	}

	var id int64
	err = tx.QueryRow(ctx,
		`UPDATE counters SET value = value + 1 WHERE name = 'tests' RETURNING value - 1`,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("advance test counter: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO tests (id, owner, content_hash, price) VALUES ($1, $2, $3, $4)`,
		id, string(owner), contentHash, price,
	)
	if err != nil {
		return 0, fmt.Errorf("insert test: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE educators SET tests_created = tests_created + 1 WHERE address = $1`,
		string(owner),
	)
	if err != nil {
		return 0, fmt.Errorf("update educator counter: %w", err)
	}

	if err := appendEvent(ctx, tx, model.Event{Kind: model.EventTestCreated, Educator: owner, TestID: &id, Amount: &price}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

// CertifyCompletion фиксирует зачёт испытания студенту и открывает право на сертификат.
func (r *PostgresLedger) CertifyCompletion(ctx context.Context, student model.Address, testID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tests WHERE id = $1)`,
		testID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check test: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: id %d", ledger.ErrUnknownTest, testID)
	}

	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM credentials WHERE student = $1 AND test_id = $2)`,
		string(student), testID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check credential: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: test %d", ledger.ErrAlreadyHeld, testID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO allowances (student, test_id) VALUES ($1, $2)`,
		string(student), testID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: test %d", ledger.ErrAlreadyAllowed, testID)
		}
		return fmt.Errorf("insert allowance: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE tests SET completions = completions + 1 WHERE id = $1`,
		testID,
	)
	if err != nil {
		return fmt.Errorf("update test completions: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO students (address, active, tests_completed) VALUES ($1, FALSE, 1)
		 ON CONFLICT (address) DO UPDATE SET tests_completed = students.tests_completed + 1`,
		string(student),
	)
	if err != nil {
		return fmt.Errorf("update student counter: %w", err)
	}

	if err := appendEvent(ctx, tx, model.Event{Kind: model.EventTestValidated, Student: student, TestID: &testID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ClaimCredential выпускает сертификат, погашая зачёт и зачисляя плату владельцу испытания.
func (r *PostgresLedger) ClaimCredential(ctx context.Context, student model.Address, testID int64, value int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var active bool
	err = tx.QueryRow(ctx,
		`SELECT active FROM students WHERE address = $1 FOR UPDATE`,
		string(student),
	).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s is not an active student", ledger.ErrUnauthorized, student)
		}
		return fmt.Errorf("lock student: %w", err)
	}
	if !active {
		return fmt.Errorf("%w: %s is not an active student", ledger.ErrUnauthorized, student)
	}

	// Блокировка строки зачёта сериализует повторные попытки получения:
	// параллельная транзакция дождётся фиксации, не найдёт строку и завершится ErrNotAllowed.
	var dummy int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM allowances WHERE student = $1 AND test_id = $2 FOR UPDATE`,
		string(student), testID,
	).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: test %d", ledger.ErrNotAllowed, testID)
		}
		return fmt.Errorf("lock allowance: %w", err)
	}

	var owner string
	var price int64
	err = tx.QueryRow(ctx,
		`SELECT owner, price FROM tests WHERE id = $1 FOR UPDATE`,
		testID,
	).Scan(&owner, &price)
	if err != nil {
		return fmt.Errorf("lock test: %w", err)
	}

	if value != price {
		return fmt.Errorf("%w: attached %d, price %d", ledger.ErrIncorrectPayment, value, price)
	}

	_, err = tx.Exec(ctx,
		`UPDATE educators SET pending = pending + $2, lifetime_payout = lifetime_payout + $2 WHERE address = $1`,
		owner, price,
	)
	if err != nil {
		return fmt.Errorf("credit educator: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE tests SET lifetime_payout = lifetime_payout + $2 WHERE id = $1`,
		testID, price,
	)
	if err != nil {
		return fmt.Errorf("update test payout: %w", err)
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM allowances WHERE student = $1 AND test_id = $2`,
		string(student), testID,
	)
	if err != nil {
		return fmt.Errorf("consume allowance: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE students SET credentials_minted = credentials_minted + 1 WHERE address = $1`,
		string(student),
	)
	if err != nil {
		return fmt.Errorf("update student counter: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credentials (student, test_id) VALUES ($1, $2)`,
		string(student), testID,
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	if err := appendEvent(ctx, tx, model.Event{Kind: model.EventCredentialMinted, Student: student, TestID: &testID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Withdraw обнуляет остаток преподавателя и выполняет внешний перевод в одной
// транзакции: списание фиксируется до перевода, но неудачный перевод
// откатывает транзакцию целиком вместе со списанием.
func (r *PostgresLedger) Withdraw(ctx context.Context, educator model.Address, transfer ledger.TransferFunc) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var active bool
	var amount int64
	err = tx.QueryRow(ctx,
		`SELECT active, pending FROM educators WHERE address = $1 FOR UPDATE`,
		string(educator),
	).Scan(&active, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s is not an active educator", ledger.ErrUnauthorized, educator)
		}
		return 0, fmt.Errorf("lock educator: %w", err)
	}
	if !active {
		return 0, fmt.Errorf("%w: %s is not an active educator", ledger.ErrUnauthorized, educator)
	}
	if amount == 0 {
		return 0, ledger.ErrNothingToWithdraw
	}

	_, err = tx.Exec(ctx,
		`UPDATE educators SET pending = 0 WHERE address = $1`,
		string(educator),
	)
	if err != nil {
		return 0, fmt.Errorf("reset pending: %w", err)
	}

	if err := appendEvent(ctx, tx, model.Event{Kind: model.EventWithdrawn, Educator: educator, Amount: &amount}); err != nil {
		return 0, err
	}

	// Строка преподавателя остаётся заблокированной на время перевода, а
	// списание ещё не зафиксировано: повторный вход увидит либо исходный
	// остаток после отката, либо ноль после фиксации.
	if err := transfer(ctx, educator, amount); err != nil {
		return 0, fmt.Errorf("%w: %s", ledger.ErrTransferFailed, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return amount, nil
}

// SetTokenURI обновляет общий адрес метаданных сертификатов.
func (r *PostgresLedger) SetTokenURI(ctx context.Context, uri string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE metadata SET value = $1 WHERE name = 'token_uri'`,
		uri,
	)
	if err != nil {
		return fmt.Errorf("update token uri: %w", err)
	}
	return nil
}

// TokenURI возвращает общий адрес метаданных сертификатов.
func (r *PostgresLedger) TokenURI(ctx context.Context) (string, error) {
	var uri string
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT value FROM metadata WHERE name = 'token_uri'`,
		).Scan(&uri)
	})
	if err != nil {
		return "", fmt.Errorf("select token uri: %w", err)
	}
	return uri, nil
}

// GetEducator возвращает запись преподавателя.
func (r *PostgresLedger) GetEducator(ctx context.Context, addr model.Address) (*model.Educator, error) {
	var e model.Educator
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT address, active, tests_created, lifetime_payout, pending FROM educators WHERE address = $1`,
			string(addr),
		).Scan(&e.Address, &e.Active, &e.TestsCreated, &e.LifetimePayout, &e.Pending)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: educator %s", ledger.ErrNotFound, addr)
		}
		return nil, fmt.Errorf("select educator: %w", err)
	}
	return &e, nil
}

// GetStudent возвращает запись студента.
func (r *PostgresLedger) GetStudent(ctx context.Context, addr model.Address) (*model.Student, error) {
	var s model.Student
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT address, active, tests_completed, credentials_minted FROM students WHERE address = $1`,
			string(addr),
		).Scan(&s.Address, &s.Active, &s.TestsCompleted, &s.CredentialsMinted)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: student %s", ledger.ErrNotFound, addr)
		}
		return nil, fmt.Errorf("select student: %w", err)
	}
	return &s, nil
}

// GetTest возвращает запись испытания.
func (r *PostgresLedger) GetTest(ctx context.Context, id int64) (*model.Test, error) {
	var t model.Test
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT id, owner, content_hash, price, lifetime_payout, completions FROM tests WHERE id = $1`,
			id,
		).Scan(&t.ID, &t.Owner, &t.ContentHash, &t.Price, &t.LifetimePayout, &t.Completions)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ledger.ErrUnknownTest, id)
		}
		return nil, fmt.Errorf("select test: %w", err)
	}
	return &t, nil
}

// TestsCount возвращает число созданных испытаний.
func (r *PostgresLedger) TestsCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT value FROM counters WHERE name = 'tests'`,
		).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("select test counter: %w", err)
	}
	return n, nil
}

// IsAllowed сообщает, есть ли у студента непогашенный зачёт по испытанию.
func (r *PostgresLedger) IsAllowed(ctx context.Context, student model.Address, testID int64) (bool, error) {
	var allowed bool
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM allowances WHERE student = $1 AND test_id = $2)`,
			string(student), testID,
		).Scan(&allowed)
	})
	if err != nil {
		return false, fmt.Errorf("select allowance: %w", err)
	}
	return allowed, nil
}

// HasCredential сообщает, выпущен ли сертификат пары (студент, испытание).
func (r *PostgresLedger) HasCredential(ctx context.Context, student model.Address, testID int64) (bool, error) {
	var held bool
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM credentials WHERE student = $1 AND test_id = $2)`,
			string(student), testID,
		).Scan(&held)
	})
	if err != nil {
		return false, fmt.Errorf("select credential: %w", err)
	}
	return held, nil
}

// ListEvents возвращает события с идентификатором больше afterID, не более limit штук.
func (r *PostgresLedger) ListEvents(ctx context.Context, afterID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, kind, educator, student, test_id, amount, created_at
		 FROM events
		 WHERE id > $1
		 ORDER BY id
		 LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var res []model.Event
	for rows.Next() {
		var (
			e        model.Event
			kind     string
			educator *string
			student  *string
		)
		if err := rows.Scan(&e.ID, &kind, &educator, &student, &e.TestID, &e.Amount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = model.EventKind(kind)
		if educator != nil {
			e.Educator = model.Address(*educator)
		}
		if student != nil {
			e.Student = model.Address(*student)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

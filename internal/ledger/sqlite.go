package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type userModel struct {
	Alias  string `gorm:"primaryKey"`
	Pubkey string `gorm:"uniqueIndex;not null"`
}

func (userModel) TableName() string { return "users" }

type withdrawalCodeModel struct {
	Code      string    `gorm:"primaryKey"`
	UserAlias string    `gorm:"not null;index"`
	User      userModel `gorm:"foreignKey:UserAlias;references:Alias"`
}

func (withdrawalCodeModel) TableName() string { return "withdrawal_codes" }

type paymentModel struct {
	Seq                   int64  `gorm:"primaryKey;autoIncrement"`
	PaymentRequest        string `gorm:"uniqueIndex;not null"`
	PaymentRequestForward *string
	UserAlias             string    `gorm:"not null;index:idx_payments_user_state,priority:1"`
	User                  userModel `gorm:"foreignKey:UserAlias;references:Alias"`
	AmountSat             int64     `gorm:"not null;check:amount_sat >= 0"`
	Settled               bool      `gorm:"not null;index:idx_payments_user_state,priority:2"`
	Forwarded             bool      `gorm:"not null;index:idx_payments_user_state,priority:3;check:chk_payments_forwarded_settled,NOT forwarded OR settled"`
	Comment               *string
	CreatedAt             time.Time `gorm:"autoCreateTime"`
}

func (paymentModel) TableName() string { return "payments" }

type cursorModel struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

func (cursorModel) TableName() string { return "cursors" }

// SQLiteStore keeps a single connection open, so writers are serialised by
// the pool itself.
type SQLiteStore struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// gormWriter routes gorm's own messages into the component logger.
type gormWriter struct {
	log zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Error().Msgf(format, args...)
}

// newGormLogger reports failed statements only. Lookups that find nothing are
// mapped to ErrNotFound and are not failures.
func newGormLogger(log zerolog.Logger) logger.Interface {
	return logger.New(gormWriter{log: log}, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Error,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

func OpenSQLite(dsn string, log zerolog.Logger) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         newGormLogger(log),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		sqlDB.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, logger: log}, nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&userModel{},
		&withdrawalCodeModel{},
		&paymentModel{},
		&cursorModel{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	s.logger.Debug().Msg("sqlite schema ready")
	return nil
}

func mapGormErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (m paymentModel) toPayment() Payment {
	return Payment{
		PaymentRequest:        m.PaymentRequest,
		PaymentRequestForward: deref(m.PaymentRequestForward),
		UserAlias:             m.UserAlias,
		AmountSat:             m.AmountSat,
		Settled:               m.Settled,
		Forwarded:             m.Forwarded,
		Comment:               deref(m.Comment),
		CreatedAt:             m.CreatedAt,
	}
}

// userExists guards inserts that reference a user, since SQLite reports
// foreign key failures without naming the constraint.
func userExists(tx *gorm.DB, alias string) error {
	var n int64
	if err := tx.Model(&userModel{}).Where("alias = ?", alias).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, alias)
	}
	return nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u User) error {
	err := s.db.WithContext(ctx).Create(&userModel{Alias: u.Alias, Pubkey: u.Pubkey}).Error
	return mapGormErr(err)
}

func (s *SQLiteStore) GetUserByAlias(ctx context.Context, alias string) (User, error) {
	var m userModel
	if err := s.db.WithContext(ctx).Where("alias = ?", alias).First(&m).Error; err != nil {
		return User{}, mapGormErr(err)
	}
	return User{Alias: m.Alias, Pubkey: m.Pubkey}, nil
}

func (s *SQLiteStore) GetUserByPubkey(ctx context.Context, pubkey string) (User, error) {
	var m userModel
	if err := s.db.WithContext(ctx).Where("pubkey = ?", pubkey).First(&m).Error; err != nil {
		return User{}, mapGormErr(err)
	}
	return User{Alias: m.Alias, Pubkey: m.Pubkey}, nil
}

func (s *SQLiteStore) CreateWithdrawalCode(ctx context.Context, wc WithdrawalCode) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := userExists(tx, wc.UserAlias); err != nil {
			return err
		}
		return tx.Omit(clause.Associations).Create(&withdrawalCodeModel{Code: wc.Code, UserAlias: wc.UserAlias}).Error
	})
	return mapGormErr(err)
}

func (s *SQLiteStore) GetWithdrawalCode(ctx context.Context, code string) (WithdrawalCode, error) {
	var m withdrawalCodeModel
	if err := s.db.WithContext(ctx).Where("code = ?", code).First(&m).Error; err != nil {
		return WithdrawalCode{}, mapGormErr(err)
	}
	return WithdrawalCode{Code: m.Code, UserAlias: m.UserAlias}, nil
}

func (s *SQLiteStore) CreatePayment(ctx context.Context, p Payment) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := userExists(tx, p.UserAlias); err != nil {
			return err
		}
		return tx.Omit(clause.Associations).Create(&paymentModel{
			PaymentRequest:        p.PaymentRequest,
			PaymentRequestForward: nullable(p.PaymentRequestForward),
			UserAlias:             p.UserAlias,
			AmountSat:             p.AmountSat,
			Settled:               p.Settled,
			Forwarded:             p.Forwarded,
			Comment:               nullable(p.Comment),
		}).Error
	})
	return mapGormErr(err)
}

func (s *SQLiteStore) GetPayment(ctx context.Context, paymentRequest string) (Payment, error) {
	var m paymentModel
	if err := s.db.WithContext(ctx).Where("payment_request = ?", paymentRequest).First(&m).Error; err != nil {
		return Payment{}, mapGormErr(err)
	}
	return m.toPayment(), nil
}

func (s *SQLiteStore) MarkSettled(ctx context.Context, paymentRequest string, amountPaidSat int64) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"settled": true}
		if amountPaidSat > 0 {
			updates["amount_sat"] = amountPaidSat
		}
		res := tx.Model(&paymentModel{}).
			Where("payment_request = ? AND settled = ?", paymentRequest, false).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			changed = true
			return nil
		}

		var n int64
		if err := tx.Model(&paymentModel{}).Where("payment_request = ?", paymentRequest).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	return changed, mapGormErr(err)
}

func (s *SQLiteStore) ListSettledUnforwarded(ctx context.Context, alias string) ([]Payment, error) {
	var models []paymentModel
	err := s.db.WithContext(ctx).
		Where("user_alias = ? AND settled = ? AND forwarded = ?", alias, true, false).
		Order("seq").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]Payment, 0, len(models))
	for _, m := range models {
		out = append(out, m.toPayment())
	}
	return out, nil
}

func (s *SQLiteStore) MarkForwarded(ctx context.Context, alias, forwardPR string, paymentRequests []string) (int, error) {
	var n int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var all []string
		err := tx.Model(&paymentModel{}).
			Where("user_alias = ? AND settled = ? AND forwarded = ?", alias, true, false).
			Order("seq").
			Pluck("payment_request", &all).Error
		if err != nil {
			return err
		}

		targets := all
		if paymentRequests != nil {
			available := make(map[string]struct{}, len(all))
			for _, pr := range all {
				available[pr] = struct{}{}
			}
			targets = uniq(paymentRequests)
			for _, pr := range targets {
				if _, ok := available[pr]; !ok {
					return ErrConflict
				}
			}
		}
		if len(targets) == 0 {
			return nil
		}

		res := tx.Model(&paymentModel{}).
			Where("payment_request IN ? AND user_alias = ? AND settled = ? AND forwarded = ?", targets, alias, true, false).
			Updates(map[string]any{"forwarded": true, "payment_request_forward": forwardPR})
		if res.Error != nil {
			return res.Error
		}
		if int(res.RowsAffected) != len(targets) {
			return ErrConflict
		}
		n = len(targets)
		return nil
	})
	if err != nil {
		return 0, mapGormErr(err)
	}
	return n, nil
}

func (s *SQLiteStore) GetCursor(ctx context.Context, key string) (string, error) {
	var m cursorModel
	err := s.db.WithContext(ctx).Where(&cursorModel{Key: key}).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return m.Value, err
}

func (s *SQLiteStore) SetCursor(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&cursorModel{Key: key, Value: value}).Error
}

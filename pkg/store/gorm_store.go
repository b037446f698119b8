package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"whisperbox/pkg/domain"
)

const migrateLockID int64 = 52095209

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// withMigrationLock serializes schema migration across replicas with a
// Postgres advisory lock.
func withMigrationLock(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", migrateLockID).Error; err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		return fn(tx)
	})
}

// CreateUser inserts a new account row.
func (s *GormStore) CreateUser(u domain.User) error {
	model := userToModel(u)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

// UpdateUser persists the full account record.
func (s *GormStore) UpdateUser(u domain.User) error {
	model := userToModel(u)
	tx := s.db.Model(&UserModel{}).Where("id = ?", u.ID).Select("*").Omit("id", "created_at").Updates(&model)
	if errors.Is(tx.Error, gorm.ErrDuplicatedKey) {
		return ErrDuplicateKey
	}
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUserByID returns a user by primary key.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	return s.getUser("id = ?", id)
}

// GetUserByUsername performs a case-sensitive exact match on username.
func (s *GormStore) GetUserByUsername(username string) (domain.User, bool, error) {
	return s.getUser("username = ?", username)
}

// GetUserByEmail performs a case-sensitive exact match on email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	return s.getUser("email = ?", email)
}

// GetUserByIdentifier matches either username or email.
func (s *GormStore) GetUserByIdentifier(identifier string) (domain.User, bool, error) {
	return s.getUser("username = ? OR email = ?", identifier, identifier)
}

func (s *GormStore) getUser(query string, args ...any) (domain.User, bool, error) {
	var model UserModel
	err := s.db.Where(query, args...).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	return modelToUser(model), true, nil
}

// HasVerifiedUsername reports whether a verified account holds username.
func (s *GormStore) HasVerifiedUsername(username string) (bool, error) {
	var count int64
	err := s.db.Model(&UserModel{}).Where("username = ? AND verified", username).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SetAcceptingMessages flips the accept flag in a single UPDATE.
func (s *GormStore) SetAcceptingMessages(userID string, accepting bool) (domain.User, bool, error) {
	tx := s.db.Model(&UserModel{}).Where("id = ?", userID).
		Updates(map[string]any{"accepting_messages": accepting, "updated_at": time.Now().UTC()})
	if tx.Error != nil {
		return domain.User{}, false, tx.Error
	}
	if tx.RowsAffected == 0 {
		return domain.User{}, false, nil
	}
	return s.GetUserByID(userID)
}

// AppendMessage inserts one message row; concurrent appends never conflict.
func (s *GormStore) AppendMessage(userID string, msg domain.Message) error {
	model := MessageModel{
		ID:        msg.ID,
		UserID:    userID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt.UTC(),
	}
	return s.db.Create(&model).Error
}

// ListMessages returns the account's messages newest-first.
func (s *GormStore) ListMessages(userID string) ([]domain.Message, error) {
	var models []MessageModel
	err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error
	if err != nil {
		return nil, err
	}
	messages := make([]domain.Message, 0, len(models))
	for _, m := range models {
		messages = append(messages, domain.Message{
			ID:        m.ID,
			UserID:    m.UserID,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return messages, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:                u.ID,
		Username:          u.Username,
		Email:             u.Email,
		PasswordHash:      u.PasswordHash,
		VerifyCode:        u.VerifyCode,
		VerifyCodeExpiry:  u.VerifyCodeExpiry.UTC(),
		Verified:          u.Verified,
		AcceptingMessages: u.AcceptingMessages,
		CreatedAt:         u.CreatedAt.UTC(),
		UpdatedAt:         u.UpdatedAt.UTC(),
	}
}

func modelToUser(m UserModel) domain.User {
	return domain.User{
		ID:                m.ID,
		Username:          m.Username,
		Email:             m.Email,
		PasswordHash:      m.PasswordHash,
		VerifyCode:        m.VerifyCode,
		VerifyCodeExpiry:  m.VerifyCodeExpiry,
		Verified:          m.Verified,
		AcceptingMessages: m.AcceptingMessages,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

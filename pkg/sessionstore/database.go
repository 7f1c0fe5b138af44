package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/tyemirov/saasauth/pkg/authclient"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("session_store.unsupported_dialect")
	// ErrEmptyStorageKey indicates the storage key was blank.
	ErrEmptyStorageKey = errors.New("session_store.empty_storage_key")

	errEmptyDatabaseURL   = errors.New("session_store.empty_database_url")
	errMissingScheme      = errors.New("session_store.missing_scheme")
	errMissingSessionFile = errors.New("session_store.sqlite.missing_file")
)

// DatabaseStorage persists the session row keyed by storage key using GORM.
type DatabaseStorage struct {
	db          *gorm.DB
	driverLabel string
	storageKey  string
}

type sessionRecord struct {
	StorageKey    string `gorm:"column:storage_key;primaryKey"`
	Payload       string `gorm:"column:payload;not null"`
	UserID        string `gorm:"column:user_id;index;not null;default:''"`
	ExpiresUnix   int64  `gorm:"column:expires_unix;not null;default:0"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (sessionRecord) TableName() string {
	return "client_sessions"
}

// NewDatabaseStorage opens the database and migrates the sessions table.
func NewDatabaseStorage(ctx context.Context, databaseURL string, storageKey string) (*DatabaseStorage, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("session_store.open: %w", errEmptyDatabaseURL)
	}
	if strings.TrimSpace(storageKey) == "" {
		return nil, fmt.Errorf("session_store.open: %w", ErrEmptyStorageKey)
	}
	dialector, driverLabel, err := dialectorFor(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("session_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&sessionRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("session_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStorage{
		db:          gormDB,
		driverLabel: driverLabel,
		storageKey:  storageKey,
	}, nil
}

// Driver exposes the selected database driver label.
func (storage *DatabaseStorage) Driver() string {
	return storage.driverLabel
}

// Load returns the stored session or nil when none is stored.
func (storage *DatabaseStorage) Load(ctx context.Context) (*authclient.Session, error) {
	var record sessionRecord
	err := storage.db.WithContext(ctx).Where("storage_key = ?", storage.storageKey).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session_store.load.%s: %w", storage.driverLabel, err)
	}
	var session authclient.Session
	if decodeErr := json.Unmarshal([]byte(record.Payload), &session); decodeErr != nil {
		return nil, fmt.Errorf("session_store.load.%s: %w", storage.driverLabel, decodeErr)
	}
	return &session, nil
}

// Save upserts the session row; nil deletes it.
func (storage *DatabaseStorage) Save(ctx context.Context, session *authclient.Session) error {
	if session == nil {
		err := storage.db.WithContext(ctx).Where("storage_key = ?", storage.storageKey).Delete(&sessionRecord{}).Error
		if err != nil {
			return fmt.Errorf("session_store.clear.%s: %w", storage.driverLabel, err)
		}
		return nil
	}
	payload, encodeErr := json.Marshal(session)
	if encodeErr != nil {
		return fmt.Errorf("session_store.save.%s: %w", storage.driverLabel, encodeErr)
	}
	record := sessionRecord{
		StorageKey:    storage.storageKey,
		Payload:       string(payload),
		UserID:        session.User.ID,
		ExpiresUnix:   session.ExpiresAt,
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	err := storage.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "storage_key"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("session_store.save.%s: %w", storage.driverLabel, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (storage *DatabaseStorage) Close() error {
	sqlDB, err := storage.db.DB()
	if err != nil {
		return fmt.Errorf("session_store.close.%s: %w", storage.driverLabel, err)
	}
	return sqlDB.Close()
}

// sqliteBusyTimeout lets a process wait for another holding the session
// file instead of failing with SQLITE_BUSY.
const sqliteBusyTimeout = "_pragma=busy_timeout(5000)"

// dialectorFor maps a session store URL onto a GORM dialector and the driver
// label used in error codes.
func dialectorFor(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("session_store.parse_url: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "":
		return nil, "", fmt.Errorf("session_store.open: %w", errMissingScheme)
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := sqliteSessionDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("session_store.open.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("session_store.open.%s: %w", scheme, ErrUnsupportedDialect)
	}
}

// sqliteSessionDSN accepts sqlite:NAME (including file: URIs), sqlite://dir/file
// and sqlite:///abs/file. The busy timeout is added unless the URL already
// sets pragmas.
func sqliteSessionDSN(parsed *url.URL) (string, error) {
	location := parsed.Opaque
	if location == "" {
		location = parsed.Host + parsed.Path
	}
	if location == "" {
		return "", errMissingSessionFile
	}
	query := parsed.RawQuery
	if !strings.Contains(query, "_pragma=") {
		if query != "" {
			query += "&"
		}
		query += sqliteBusyTimeout
	}
	return location + "?" + query, nil
}

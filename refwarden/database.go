package refwarden

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelStringID struct {
	ID string `gorm:"primaryKey" json:"id"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// database wraps a GORM connection for write/update/delete operations,
// serializing writes behind a mutex when concurrent writes are disabled
// (SQLite), and maintaining the in-memory User cache.
// It implements the DBI interface.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	userCache              map[string]*User
	cacheMu                sync.Mutex
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance wrapping the given
// GORM connection. If enableConcurrentWrites is false, write operations
// are serialized behind a mutex.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	d := &database{
		db:                     db,
		userCache:              map[string]*User{},
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
	return d
}

func (d *database) UserCache() map[string]*User {
	return d.userCache
}

func (d *database) UserCacheLock() {
	d.cacheMu.Lock()
}

func (d *database) UserCacheUnlock() {
	d.cacheMu.Unlock()
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

// LoadUsers returns a slice of [User] records for users that have
// been seen in the last 24 hours, or who do not have [User.LastSeen] set.
func (d *database) LoadUsers() []User {
	d.userCache = map[string]*User{}

	var users []User
	_ = d.db.Where(
		"last_seen is null OR last_seen = 0 OR last_seen >= ?",
		time.Now().Add(-24*time.Hour).UnixMilli(),
	).Find(&users)
	for i := 0; i < len(users); i++ {
		u := users[i]
		d.userCache[u.ID] = &u
	}
	return users
}

func (d *database) GetUser(userID string) *User {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	return d.userCache[userID]
}

func (d *database) ReloadUser(userID string) *User {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	var user User
	if err := d.db.Where("id = ?", userID).Last(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			delete(d.userCache, userID)
		}
		return nil
	}
	d.userCache[userID] = &user

	return &user
}

// GetOrCreateUser retrieves a user from the cache or the database,
// and creates a new user if one does not exist.
func (d *database) GetOrCreateUser(
	ctx context.Context,
	u discordgo.User,
) (*User, bool, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = slog.Default()
	}

	if user, cachedUser := d.userCache[u.ID]; cachedUser {
		user.LastSeen = time.Now().UTC().UnixMilli()
		updates := map[string]any{columnUserLastSeen: user.LastSeen}

		if user.userChangedDiscordUsername(u) {
			log.Info(
				"user changed username since last seen",
				slog.Group(
					"old",
					"username", user.Username,
					"global_name", user.GlobalName,
				),
				slog.Group(
					"new",
					"username", u.Username,
					"global_name", u.GlobalName,
				),
			)
			user.Username = u.Username
			user.GlobalName = u.GlobalName
			updates[columnUserUsername] = u.Username
			updates[columnUserGlobalName] = u.GlobalName
		}
		if _, err := d.Updates(context.TODO(), user, updates); err != nil {
			log.Error("error updating user", "user", user, tint.Err(err))
		}
		return user, false, nil
	}

	user, _ := NewUser(u)
	log.InfoContext(ctx, "creating new user", "user", user)

	_, err := d.Create(ctx, user)
	if err != nil {
		log.Error("error creating user", "user", user, tint.Err(err))
		return nil, true, err
	}

	d.userCache[u.ID] = user
	return user, true, nil
}

func (d *database) withTimeout(ctx context.Context) (
	context.Context,
	context.CancelFunc,
) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	db := d.db.WithContext(ctx)

	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	if len(omit) > 0 {
		rv := d.db.WithContext(ctx).Omit(omit...).Save(value)
		return rv.RowsAffected, rv.Error
	}
	rv := d.db.WithContext(ctx).Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (rowsAffected int64, err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) UpdatesWhere(
	ctx context.Context,
	model any,
	values map[string]any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Where(query, conds...).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(
	value any,
	conds ...any,
) (rowsAffected int64, err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	rv := d.db.Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// Duration is a wrapper for time.Duration that implements
// SQL Scanner and Valuer interfaces for GORM.
type Duration struct {
	time.Duration
}

// Scan implements the sql.Scanner interface.
func (d *Duration) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return d.parse(string(v))
	case string:
		return d.parse(v)
	default:
		return fmt.Errorf("unexpected type for Duration: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (d Duration) Value() (driver.Value, error) {
	return d.String(), nil
}

func (d *Duration) parse(value string) error {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	d.Duration = duration
	return nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	s = s[1 : len(s)-1]
	return d.parse(s)
}

// MarshalJSON implements the json.Marshaller interface.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`%q`, d.String())), nil
}

// GormDataType is used by GORM to determine the default data type for a field.
func (Duration) GormDataType() string {
	return "string"
}

// DBI defines the interface for database operations. This is here primarily
// to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	// UserCacheLock locks the in-memory User cache
	UserCacheLock()

	// UserCacheUnlock unlocks the in-memory User cache
	UserCacheUnlock()

	// UserCache returns the in-memory cache of User objects
	UserCache() map[string]*User

	Lock()
	Unlock()

	DB() *gorm.DB
	LoadUsers() []User
	GetUser(userID string) *User
	ReloadUser(userID string) *User
	GetOrCreateUser(ctx context.Context, u discordgo.User) (*User, bool, error)
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Delete(value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (
		rowsAffected int64,
		err error,
	)
	UpdatesWhere(
		ctx context.Context,
		model any,
		values map[string]any,
		query any,
		conds ...any,
	) (rowsAffected int64, err error)
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and performs auto-migration. Queries
// slower than slowThreshold are logged as warnings.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	handler := tintHandler(os.Stdout, slog.LevelWarn)

	if slowThreshold <= 0 {
		slowThreshold = DefaultDatabaseSlowThreshold
	}
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&User{},
		&Dispute{},
		&RulingRecord{},
		&RuntimeConfig{},
		&InteractionLog{},
		&DiscordMessage{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type ('sqlite' or 'postgres').
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		db, err := gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if err = db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("error executing %q: %w", pragma, err)
			}
		}
		return db, nil
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

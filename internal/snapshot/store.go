// Package snapshot persists adaptive filter coefficients on operator request.
// Nothing is saved implicitly; a snapshot is written when asked for and can
// be restored into a running processor later.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/logger"
)

// ErrNotFound is wrapped by lookups that match no snapshot
var ErrNotFound = errors.NewStd("snapshot not found")

// Database drivers
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	slowQueryThreshold = 200 * time.Millisecond
	defaultListLimit   = 50
)

// MySQLConfig holds mysql connection settings
type MySQLConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// Config selects the database
type Config struct {
	Driver string
	// Path is the sqlite database file
	Path   string
	MySQL  MySQLConfig
	Logger logger.Logger
}

// Store saves and loads snapshots
type Store struct {
	db     *gorm.DB
	driver string
	log    logger.Logger
}

// Open connects to the database and migrates the schema
func Open(cfg Config) (*Store, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("snapshot")
	}
	gcfg := &gorm.Config{Logger: logger.NewGormLoggerAdapter(log, slowQueryThreshold)}

	driver := strings.ToLower(cfg.Driver)
	var (
		db     *gorm.DB
		err    error
		target string
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		if cfg.Path == "" {
			return nil, configError("sqlite snapshot store requires a path")
		}
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.New(err).
					Component("snapshot").
					Category(errors.CategoryFileIO).
					FileContext(cfg.Path).
					Build()
			}
		}
		target = cfg.Path
		db, err = gorm.Open(sqlite.Open(cfg.Path), gcfg)
	case DriverMySQL:
		target = net.JoinHostPort(cfg.MySQL.Host, strconv.Itoa(cfg.MySQL.Port)) + "/" + cfg.MySQL.Database
		db, err = gorm.Open(mysql.Open(MySQLDSN(cfg.MySQL)), gcfg)
	default:
		return nil, configError(fmt.Sprintf("unsupported snapshot driver %q", cfg.Driver))
	}
	if err != nil {
		return nil, dbError(err, "open").Context("target", target).Build()
	}

	if err := db.AutoMigrate(&Snapshot{}); err != nil {
		return nil, dbError(err, "migrate").Context("target", target).Build()
	}

	log.Info("snapshot store opened",
		logger.String("driver", driver),
		logger.String("target", target))
	return &Store{db: db, driver: driver, log: log}, nil
}

// MySQLDSN builds the driver DSN for cfg
func MySQLDSN(cfg MySQLConfig) string {
	mc := mysqldrv.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Loc = time.Local
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

func configError(msg string) error {
	return errors.Newf("%s", msg).
		Component("snapshot").
		Category(errors.CategoryConfiguration).
		Build()
}

func dbError(err error, op string) *errors.ErrorBuilder {
	return errors.New(err).
		Component("snapshot").
		Category(errors.CategoryDatabase).
		Context("operation", op)
}

// Driver returns the database driver name
func (s *Store) Driver() string {
	return s.driver
}

// Save inserts snap and fills in its ID and CreatedAt
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || len(snap.Coefficients) == 0 {
		return errors.Newf("snapshot has no coefficients").
			Component("snapshot").
			Category(errors.CategoryValidation).
			Build()
	}
	if err := s.db.WithContext(ctx).Create(snap).Error; err != nil {
		return dbError(err, "save").Build()
	}
	s.log.Info("filter snapshot saved",
		logger.Uint64("id", uint64(snap.ID)),
		logger.String("label", snap.Label),
		logger.Int("taps", snap.Taps))
	return nil
}

// List returns up to limit snapshots, newest first. limit <= 0 uses a
// default page size.
func (s *Store) List(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []Snapshot
	err := s.db.WithContext(ctx).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, dbError(err, "list").Build()
	}
	return out, nil
}

// Get returns the snapshot with the given id
func (s *Store) Get(ctx context.Context, id uint) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.WithContext(ctx).First(&snap, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(fmt.Sprintf("id %d", id))
	}
	if err != nil {
		return nil, dbError(err, "get").Context("id", id).Build()
	}
	return &snap, nil
}

// Latest returns the newest snapshot, limited to runID when it is not empty
func (s *Store) Latest(ctx context.Context, runID string) (*Snapshot, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC")
	if runID != "" {
		q = q.Where("run_id = ?", runID)
	}
	var snap Snapshot
	err := q.First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("latest")
	}
	if err != nil {
		return nil, dbError(err, "latest").Build()
	}
	return &snap, nil
}

// Delete removes the snapshot with the given id
func (s *Store) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&Snapshot{}, id)
	if res.Error != nil {
		return dbError(res.Error, "delete").Context("id", id).Build()
	}
	if res.RowsAffected == 0 {
		return notFound(fmt.Sprintf("id %d", id))
	}
	return nil
}

func notFound(what string) error {
	return errors.New(fmt.Errorf("%w: %s", ErrNotFound, what)).
		Component("snapshot").
		Category(errors.CategoryNotFound).
		Build()
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return dbError(err, "close").Build()
	}
	return sqlDB.Close()
}

// ExportYAML writes snaps as a YAML document
func ExportYAML(w io.Writer, snaps ...Snapshot) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"snapshots": snaps}); err != nil {
		return errors.New(err).
			Component("snapshot").
			Category(errors.CategoryFileIO).
			Context("operation", "export_yaml").
			Build()
	}
	return enc.Close()
}

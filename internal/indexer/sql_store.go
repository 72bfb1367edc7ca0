package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"FlowACP-Chain/deploy/migrations"
	xerrors "FlowACP-Chain/internal/errors"
)

// SQLConfig 描述数据库连接参数。
type SQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore 使用 MySQL 或 SQLite 保存事件，两种方言共用同一套语句。
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenMySQL 连接 MySQL 并执行迁移。
func OpenMySQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	return newSQLStore(ctx, db, "mysql")
}

// OpenSQLite 打开（或创建）SQLite 数据库文件并执行迁移。
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	// SQLite 只允许单写者。
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, "sqlite")
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect string) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("无法连接到 %s", dialect))
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

type migrationFile struct {
	version    string
	name       string
	statements []string
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}

	applied := make(map[string]struct{})
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}

	files, err := loadMigrationFiles(s.dialect)
	if err != nil {
		return err
	}
	for _, m := range files {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) applyMigration(ctx context.Context, m migrationFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("执行迁移 %s 失败", m.name))
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, time.Now().Unix()); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

func loadMigrationFiles(dialect string) ([]migrationFile, error) {
	dir, err := migrations.For(dialect)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "定位迁移目录失败")
	}
	entries, err := fs.ReadDir(dir, ".")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移目录失败")
	}
	var out []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(dir, entry.Name())
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("读取迁移文件 %s 失败", entry.Name()))
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		version, _, _ := strings.Cut(entry.Name(), "_")
		out = append(out, migrationFile{version: version, name: entry.Name(), statements: statements})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func splitSQLStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

// Append 实现 Store。
func (s *SQLStore) Append(ctx context.Context, r Record) error {
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件字段失败")
	}
	const stmt = `INSERT INTO chain_events
        (event_index, envelope_id, chain_id, block_number, block_time, tx_hash, contract, address, name, signature, topic, fields, indexed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		r.Index,
		r.EnvelopeID,
		r.ChainID,
		r.Block,
		r.Timestamp.Unix(),
		r.TxHash.Hex(),
		r.Contract,
		r.Address.Hex(),
		r.Name,
		r.Signature,
		r.Topic.Hex(),
		string(fields),
		r.IndexedAt.Unix(),
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件失败")
	}
	return nil
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var sqliteErr *sqlite.Error
	if stdErrors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// List 实现 Store，按事件序号升序返回。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	opts.applyDefaults()
	query := `SELECT event_index, envelope_id, chain_id, block_number, block_time, tx_hash, contract, address, name, signature, topic, fields, indexed_at
        FROM chain_events WHERE event_index >= ?`
	args := []any{opts.FromIndex}
	if opts.Contract != "" {
		query += " AND contract = ?"
		args = append(args, opts.Contract)
	}
	if opts.Name != "" {
		query += " AND name = ?"
		args = append(args, opts.Name)
	}
	query += " ORDER BY event_index ASC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件失败")
	}
	defer rows.Close()

	out := make([]Record, 0, opts.Limit)
	for rows.Next() {
		var (
			r                          Record
			blockTime, indexedAt       int64
			txHash, address, topic, fj string
		)
		if err := rows.Scan(&r.Index, &r.EnvelopeID, &r.ChainID, &r.Block, &blockTime, &txHash,
			&r.Contract, &address, &r.Name, &r.Signature, &topic, &fj, &indexedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件记录失败")
		}
		if err := json.Unmarshal([]byte(fj), &r.Fields); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件字段失败")
		}
		r.Timestamp = time.Unix(blockTime, 0).UTC()
		r.IndexedAt = time.Unix(indexedAt, 0).UTC()
		r.TxHash = common.HexToHash(txHash)
		r.Address = common.HexToAddress(address)
		r.Topic = common.HexToHash(topic)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历事件失败")
	}
	return out, nil
}

// LastIndex 实现 Store。
func (s *SQLStore) LastIndex(ctx context.Context) (uint64, bool, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(event_index) FROM chain_events`).Scan(&last); err != nil {
		return 0, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询最新事件序号失败")
	}
	if !last.Valid {
		return 0, false, nil
	}
	return uint64(last.Int64), true, nil
}

// Close 关闭数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*SQLStore)(nil)

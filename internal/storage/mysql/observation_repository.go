package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenSwarm-Core/internal/errors"
	"OpenSwarm-Core/internal/trust"
)

// ObservationRepository 抽象信任观察归档的持久化接口。
type ObservationRepository interface {
	SaveObservation(ctx context.Context, obs trust.Observation) error
	ListBySubject(ctx context.Context, subject string, limit int) ([]trust.Observation, error)
}

// MemoryObservationRepository 使用本地 JSON 文件模拟 MySQL 的效果，方便迭代开发。
type MemoryObservationRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []trust.Observation
}

// NewMemoryObservationRepository 创建一个内存观察归档仓库。
func NewMemoryObservationRepository(dataDir string) (*MemoryObservationRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "observations.log")
	repo := &MemoryObservationRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// SaveObservation 以追加写的方式记录观察。
func (m *MemoryObservationRepository) SaveObservation(_ context.Context, obs trust.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开观察日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("序列化观察记录失败: %w", err)
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入观察日志失败: %w", err)
	}

	m.records = append([]trust.Observation{obs}, m.records...)
	if len(m.records) > 512 {
		m.records = m.records[:512]
	}
	return nil
}

// ListBySubject 返回指定对象最近的观察记录，按时间倒序排列。
func (m *MemoryObservationRepository) ListBySubject(_ context.Context, subject string, limit int) ([]trust.Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	results := make([]trust.Observation, 0, limit)
	for _, obs := range m.records {
		if obs.Subject != subject {
			continue
		}
		results = append(results, obs)
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

func (m *MemoryObservationRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取观察日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []trust.Observation
	for scanner.Scan() {
		var obs trust.Observation
		if err := json.Unmarshal(scanner.Bytes(), &obs); err != nil {
			continue
		}
		restored = append([]trust.Observation{obs}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析观察日志失败: %w", err)
	}

	if len(restored) > 512 {
		restored = restored[:512]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLObservationRepository 使用真实的 MySQL 数据库归档信任观察。
type SQLObservationRepository struct {
	db *sql.DB
}

// NewSQLObservationRepository 创建连接池并初始化数据表。
func NewSQLObservationRepository(dsn string) (*SQLObservationRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	repo := &SQLObservationRepository{db: db}
	if err := repo.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (s *SQLObservationRepository) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS trust_observations (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        observer VARCHAR(128) DEFAULT '',
        subject VARCHAR(128) NOT NULL,
        kind VARCHAR(32) NOT NULL,
        delta DOUBLE NOT NULL,
        score DOUBLE NOT NULL,
        samples INT NOT NULL,
        created_at BIGINT NOT NULL,
        INDEX idx_obs_subject (subject),
        INDEX idx_obs_created (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 trust_observations 表失败")
	}
	if _, err := s.db.Exec(`ALTER TABLE trust_observations ADD COLUMN samples INT NOT NULL DEFAULT 0 AFTER score`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 trust_observations.samples 失败")
		}
	}
	return nil
}

// SaveObservation 将观察记录写入 MySQL。
func (s *SQLObservationRepository) SaveObservation(ctx context.Context, obs trust.Observation) error {
	const stmt = `INSERT INTO trust_observations
        (observer, subject, kind, delta, score, samples, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		obs.Observer,
		obs.Subject,
		string(obs.Kind),
		obs.Delta,
		obs.Score,
		obs.Samples,
		obs.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入信任观察失败")
	}
	return nil
}

// ListBySubject 查询指定对象最近的观察记录。
func (s *SQLObservationRepository) ListBySubject(ctx context.Context, subject string, limit int) ([]trust.Observation, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT observer, subject, kind, delta, score, samples, created_at
        FROM trust_observations WHERE subject = ? ORDER BY id DESC LIMIT ?`, subject, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询信任观察失败")
	}
	defer rows.Close()

	var records []trust.Observation
	for rows.Next() {
		var obs trust.Observation
		var kind string
		if err := rows.Scan(&obs.Observer, &obs.Subject, &kind, &obs.Delta, &obs.Score, &obs.Samples, &obs.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析信任观察失败")
		}
		obs.Kind = trust.OutcomeKind(kind)
		records = append(records, obs)
	}

	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历信任观察失败")
	}

	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLObservationRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ ObservationRepository = (*MemoryObservationRepository)(nil)
	_ ObservationRepository = (*SQLObservationRepository)(nil)
	_ trust.Archive         = (*MemoryObservationRepository)(nil)
	_ trust.Archive         = (*SQLObservationRepository)(nil)
)

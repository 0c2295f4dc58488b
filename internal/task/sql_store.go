package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/internal/trigger"
)

// Dialect 选择 SQLStore 使用的数据库。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// SQLStore 使用关系型数据库记录任务状态，支持 MySQL 与 SQLite。
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewMySQLStore 创建基于 MySQL 的 SQLStore。
func NewMySQLStore(dsn string) (*SQLStore, error) {
	return NewSQLStore(DialectMySQL, dsn)
}

// NewSQLiteStore 创建基于 SQLite 的 SQLStore，path 所在目录不存在时会被创建。
func NewSQLiteStore(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 SQLite 目录失败")
		}
	}
	return NewSQLStore(DialectSQLite, path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
}

// NewSQLStore 打开数据库并初始化表结构。
func NewSQLStore(dialect Dialect, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库 DSN 不能为空")
	}
	if dialect != DialectMySQL && dialect != DialectSQLite {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的数据库类型: %s", dialect))
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败")
	}
	if dialect == DialectSQLite {
		// SQLite 只允许单写者。
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(10 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}

	store := &SQLStore{db: db, dialect: dialect, now: time.Now}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

const selectColumns = `SELECT id, trigger_reason, portfolio, source, schedule, status, terminal, attempts, max_retries,
        last_error, error_code, result, created_at, updated_at FROM trigger_tasks`

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}

	portfolio, err := marshalNullable(task.Trigger.Portfolio, len(task.Trigger.Portfolio) == 0)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码持仓失败")
	}

	const stmt = `INSERT INTO trigger_tasks
        (id, trigger_reason, portfolio, source, schedule, status, terminal, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Trigger.Reason,
		portfolio,
		string(task.Source),
		task.Schedule,
		string(task.Status),
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const updateStmt = `UPDATE trigger_tasks SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND terminal = 0 AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		string(StatusRunning),
		s.now().Unix(),
		id,
		string(StatusPending),
		string(StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		switch {
		case task.Done():
			return task, ErrTaskCompleted
		case task.Status == StatusRunning:
			return task, ErrTaskConflict
		case task.Attempts >= task.MaxRetries:
			return task, ErrTaskExhausted
		default:
			return task, ErrTaskConflict
		}
	}
	return task, nil
}

// Complete 记录编排结论。
func (s *SQLStore) Complete(ctx context.Context, id string, status Status, record RunRecord) error {
	if status != StatusAuthorized && status != StatusRejected {
		return xerrors.New(xerrors.CodeInvalidArgument, "结束状态只能是 authorized 或 rejected")
	}
	payload, err := marshalNullable(record, false)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码运行记录失败")
	}
	lastError, code := "", ""
	if status == StatusRejected {
		lastError, code = record.Reason, string(CodeTaskRejected)
	}

	const stmt = `UPDATE trigger_tasks SET status = ?, terminal = 1, result = ?, result_reason = ?, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(status), payload, record.Reason, lastError, code, s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录任务结果失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 将任务标记为失败，terminal 为真时停止重试。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, record *RunRecord, terminal bool) error {
	terminalFlag := 0
	if terminal {
		terminalFlag = 1
	}
	var (
		res sql.Result
		err error
	)
	if record != nil {
		payload, encErr := marshalNullable(record, false)
		if encErr != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, encErr, "编码运行记录失败")
		}
		const stmt = `UPDATE trigger_tasks SET status = ?, terminal = ?, last_error = ?, error_code = ?, result = ?, result_reason = ?, updated_at = ?
            WHERE id = ?`
		res, err = s.db.ExecContext(ctx, stmt, string(StatusFailed), terminalFlag, lastError, string(code), payload, record.Reason, s.now().Unix(), id)
	} else {
		const stmt = `UPDATE trigger_tasks SET status = ?, terminal = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
		res, err = s.db.ExecContext(ctx, stmt, string(StatusFailed), terminalFlag, lastError, string(code), s.now().Unix(), id)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败状态出错")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := selectColumns
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM trigger_tasks`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(StatusPending), string(StatusRunning), string(StatusAuthorized),
		string(StatusRejected), string(StatusFailed),
	}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Authorized,
		&stats.Rejected,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		task      Task
		portfolio sql.NullString
		lastError sql.NullString
		result    sql.NullString
		source    string
		status    string
		terminal  int
	)
	if err := row.Scan(
		&task.ID,
		&task.Trigger.Reason,
		&portfolio,
		&source,
		&task.Schedule,
		&status,
		&terminal,
		&task.Attempts,
		&task.MaxRetries,
		&lastError,
		&task.ErrorCode,
		&result,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Source = Source(source)
	task.Status = Status(status)
	task.Terminal = terminal != 0
	task.LastError = lastError.String

	if portfolio.Valid && strings.TrimSpace(portfolio.String) != "" {
		var p trigger.Portfolio
		if err := json.Unmarshal([]byte(portfolio.String), &p); err != nil {
			return nil, fmt.Errorf("解析持仓失败: %w", err)
		}
		task.Trigger.Portfolio = p
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		var record RunRecord
		if err := json.Unmarshal([]byte(result.String), &record); err != nil {
			return nil, fmt.Errorf("解析运行记录失败: %w", err)
		}
		task.Result = &record
	}
	return &task, nil
}

func marshalNullable(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if stdErrors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(opts.Statuses))))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if len(opts.Sources) > 0 {
		conditions = append(conditions, fmt.Sprintf("source IN (%s)", placeholders(len(opts.Sources))))
		for _, source := range opts.Sources {
			args = append(args, string(source))
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result IS NOT NULL AND result <> '')")
		} else {
			conditions = append(conditions, "(result IS NULL OR result = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + strings.ToLower(opts.Query) + "%"
		conditions = append(conditions, "(LOWER(id) LIKE ? OR LOWER(trigger_reason) LIKE ? OR LOWER(last_error) LIKE ? OR LOWER(result_reason) LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var _ Store = (*SQLStore)(nil)

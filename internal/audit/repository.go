package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

// Repository stores activities in PostgreSQL. The properties column is json,
// not jsonb, so the payload text survives unchanged.
type Repository struct {
	pool *pgxpool.Pool
}

var _ Store = (*Repository)(nil)

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const activityColumns = `id, type, event, description, module, user_id, subject_type, subject_id,
	properties, ip_address, user_agent, result, risk_level, signature, created_at`

// Insert appends an activity and returns it with its ID.
func (r *Repository) Insert(ctx context.Context, a Activity) (Activity, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO activity_log
		(type, event, description, module, user_id, subject_type, subject_id, properties,
		 ip_address, user_agent, result, risk_level, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::json, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		a.Type, a.Event, a.Description, a.Module, a.UserID,
		optionalText(a.SubjectType), optionalText(a.SubjectID), optionalJSON(a.Properties),
		optionalText(a.IPAddress), optionalText(a.UserAgent), a.Result, a.RiskLevel,
		optionalText(a.Signature), a.CreatedAt)
	if err := row.Scan(&a.ID); err != nil {
		return Activity{}, fmt.Errorf("audit: insert activity: %w", err)
	}
	return a, nil
}

// Get loads a single activity.
func (r *Repository) Get(ctx context.Context, id int64) (Activity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activity_log WHERE id = $1`, id)
	a, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Activity{}, fmt.Errorf("audit: activity %d: %w", id, shared.ErrNotFound)
		}
		return Activity{}, err
	}
	return a, nil
}

// Scan returns activities matching filter ordered by id.
func (r *Repository) Scan(ctx context.Context, filter ScanFilter) ([]Activity, error) {
	where, args := scanConditions(filter)
	query := `SELECT ` + activityColumns + ` FROM activity_log` + where + ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return r.query(ctx, query, args...)
}

// Count returns the number of activities matching filter.
func (r *Repository) Count(ctx context.Context, filter ScanFilter) (int, error) {
	where, args := scanConditions(filter)
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM activity_log`+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// List returns a page of activities, newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Activity, error) {
	var b conditions
	b.time("created_at >=", filter.From)
	b.time("created_at <", filter.To)
	if filter.UserID > 0 {
		b.add("user_id =", filter.UserID)
	}
	b.text("module =", filter.Module)
	b.text("event =", filter.Event)
	b.text("result =", filter.Result)
	args := b.args
	args = append(args, filter.Limit, filter.Offset)
	query := `SELECT ` + activityColumns + ` FROM activity_log` + b.where() +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return r.query(ctx, query, args...)
}

// MaxID returns the highest activity id, or zero when empty.
func (r *Repository) MaxID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM activity_log`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateSignature replaces the stored signature.
func (r *Repository) UpdateSignature(ctx context.Context, id int64, signature string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE activity_log SET signature = $2 WHERE id = $1`, id, signature)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("audit: activity %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

// DeleteOlderThan removes activities created before cutoff.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM activity_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]Activity, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanActivity(row pgx.Row) (Activity, error) {
	var (
		a                                 Activity
		userID                            pgtype.Int8
		subjectType, subjectID, ip, agent pgtype.Text
		signature                         pgtype.Text
		props                             []byte
	)
	if err := row.Scan(&a.ID, &a.Type, &a.Event, &a.Description, &a.Module, &userID,
		&subjectType, &subjectID, &props, &ip, &agent, &a.Result, &a.RiskLevel, &signature, &a.CreatedAt); err != nil {
		return Activity{}, err
	}
	if userID.Valid {
		id := userID.Int64
		a.UserID = &id
	}
	a.SubjectType = subjectType.String
	a.SubjectID = subjectID.String
	a.IPAddress = ip.String
	a.UserAgent = agent.String
	a.Signature = signature.String
	if props != nil {
		a.Properties = props
	}
	return a, nil
}

type conditions struct {
	clauses []string
	args    []any
}

func (c *conditions) add(expr string, value any) {
	c.args = append(c.args, value)
	c.clauses = append(c.clauses, fmt.Sprintf("%s $%d", expr, len(c.args)))
}

func (c *conditions) text(expr, value string) {
	if value != "" {
		c.add(expr, value)
	}
}

func (c *conditions) time(expr string, value time.Time) {
	if !value.IsZero() {
		c.add(expr, value)
	}
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

func scanConditions(f ScanFilter) (string, []any) {
	var c conditions
	if f.AfterID > 0 {
		c.add("id >", f.AfterID)
	}
	if f.MaxID > 0 {
		c.add("id <=", f.MaxID)
	}
	c.time("created_at >=", f.From)
	c.time("created_at <", f.To)
	c.text("type =", f.Type)
	c.text("result =", f.Result)
	c.text("ip_address =", f.IPAddress)
	if f.UserID > 0 {
		c.add("user_id =", f.UserID)
	}
	return c.where(), c.args
}

func optionalText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}

func optionalJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

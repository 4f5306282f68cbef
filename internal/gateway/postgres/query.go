package postgres

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hitoshi/worknest/internal/gateway"
	"github.com/lib/pq"
)

// fieldPattern はクエリで参照できるフィールド名。SQLに埋め込むため厳しめに制限する。
var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// sqlOperators はゲートウェイの演算子とSQL演算子の対応。
var sqlOperators = map[gateway.Operator]string{
	gateway.OpEqual:          "=",
	gateway.OpLess:           "<",
	gateway.OpLessOrEqual:    "<=",
	gateway.OpGreater:        ">",
	gateway.OpGreaterOrEqual: ">=",
}

// buildQuery はゲートウェイのクエリをdocumentsテーブルへのSELECT文に変換する。
// 比較は同じJSON型の値同士でのみ成立し、文字列はバイト順（COLLATE "C"）で比較する。
func buildQuery(q gateway.Query) (string, []any, error) {
	if q.Collection == "" {
		return "", nil, fmt.Errorf("missing collection")
	}

	var sb strings.Builder
	args := []any{q.Collection}
	sb.WriteString(`SELECT id, data FROM documents WHERE collection = $1`)

	for _, f := range q.Filters {
		cond, arg, err := filterCondition(f, len(args)+1)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(" AND ")
		sb.WriteString(cond)
		args = append(args, arg)
	}

	if q.OrderBy != "" {
		if !fieldPattern.MatchString(q.OrderBy) {
			return "", nil, fmt.Errorf("invalid order field %q", q.OrderBy)
		}
		field := pq.QuoteLiteral(q.OrderBy)
		dir := "ASC"
		if q.Direction == gateway.Descending {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, ` AND data ? %s`, field)
		fmt.Fprintf(&sb,
			` ORDER BY (CASE WHEN jsonb_typeof(data->%[1]s) = 'number' THEN (data->>%[1]s)::float8 END) %[2]s NULLS LAST,`+
				` (CASE WHEN jsonb_typeof(data->%[1]s) IN ('string', 'boolean') THEN data->>%[1]s END) COLLATE "C" %[2]s NULLS LAST,`+
				` id COLLATE "C" ASC`,
			field, dir)
	} else {
		sb.WriteString(` ORDER BY id COLLATE "C" ASC`)
	}

	if q.Limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(q.Limit))
	}
	return sb.String(), args, nil
}

// filterCondition はフィルタ1件分の条件式と引数を返す。nは引数のプレースホルダ番号。
func filterCondition(f gateway.Filter, n int) (string, any, error) {
	if !fieldPattern.MatchString(f.Field) {
		return "", nil, fmt.Errorf("invalid filter field %q", f.Field)
	}
	field := pq.QuoteLiteral(f.Field)

	value, err := gateway.NormalizeValue(f.Value)
	if err != nil {
		return "", nil, err
	}

	if f.Op == gateway.OpArrayContains {
		b, err := json.Marshal([]any{value})
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode filter value: %w", err)
		}
		return fmt.Sprintf(`data->%s @> $%d::jsonb`, field, n), string(b), nil
	}

	op, ok := sqlOperators[f.Op]
	if !ok {
		return "", nil, fmt.Errorf("unsupported operator %q", f.Op)
	}

	switch v := value.(type) {
	case string:
		return fmt.Sprintf(`(CASE WHEN jsonb_typeof(data->%[1]s) = 'string' THEN data->>%[1]s END) COLLATE "C" %[2]s $%[3]d`, field, op, n), v, nil
	case float64:
		return fmt.Sprintf(`(CASE WHEN jsonb_typeof(data->%[1]s) = 'number' THEN (data->>%[1]s)::float8 END) %[2]s $%[3]d`, field, op, n), v, nil
	case bool:
		return fmt.Sprintf(`(CASE WHEN jsonb_typeof(data->%[1]s) = 'boolean' THEN (data->>%[1]s)::boolean END) %[2]s $%[3]d`, field, op, n), v, nil
	default:
		return "", nil, fmt.Errorf("unsupported filter value type %T for field %q", value, f.Field)
	}
}

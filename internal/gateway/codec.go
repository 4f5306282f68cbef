package gateway

import (
	"encoding/json"
	"fmt"
)

// Encode は構造体をドキュメントのフィールドマップに変換する。
// JSONタグをフィールド名として使い、時刻はRFC3339文字列になる。
func Encode(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return m, nil
}

// Decode はドキュメントを構造体に変換する。
// "id" フィールドが無い場合はドキュメントIDを補う。
func Decode(doc Document, v any) error {
	data := make(map[string]any, len(doc.Data)+1)
	for k, val := range doc.Data {
		data[k] = val
	}
	if _, ok := data["id"]; !ok {
		data["id"] = doc.ID
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to decode document %s: %w", doc.ID, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode document %s: %w", doc.ID, err)
	}
	return nil
}

// Normalize はフィールドマップをJSON互換の型（string, float64, bool, []any, map[string]any）に揃える。
// バックエンド間で比較・並び替えの結果を一致させるために使う。
func Normalize(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize fields: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to normalize fields: %w", err)
	}
	return m, nil
}

// NormalizeValue は単一の値をJSON互換の型に揃える。
func NormalizeValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}
	return out, nil
}

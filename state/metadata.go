package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Metadata values are stored as strings with a separate type tag and
// reconstructed on read. The tag drives deserialization, so a boolean true
// comes back as BoolValue(true), not the string "true".

// Metadata type tags.
const (
	MetaString  = "string"
	MetaNumber  = "number"
	MetaBoolean = "boolean"
	MetaJSON    = "json"
)

// MetaValue is a typed metadata value. The concrete types are StringValue,
// NumberValue, BoolValue and JSONValue.
type MetaValue interface {
	// Tag returns the declared type tag stored alongside the value.
	Tag() string
	// encode serializes the value for storage.
	encode() (string, error)
}

// StringValue is a plain string metadata value.
type StringValue string

// NumberValue is a numeric metadata value. Integral values are stored
// without a decimal point.
type NumberValue float64

// BoolValue is a boolean metadata value.
type BoolValue bool

// JSONValue is an arbitrary JSON document metadata value.
type JSONValue json.RawMessage

func (v StringValue) Tag() string { return MetaString }
func (v NumberValue) Tag() string { return MetaNumber }
func (v BoolValue) Tag() string   { return MetaBoolean }
func (v JSONValue) Tag() string   { return MetaJSON }

func (v StringValue) encode() (string, error) { return string(v), nil }

func (v NumberValue) encode() (string, error) {
	f := float64(v)
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

func (v BoolValue) encode() (string, error) { return strconv.FormatBool(bool(v)), nil }

// MarshalJSON embeds the raw document as-is so session exports carry JSON
// metadata inline rather than as base64-encoded bytes.
func (v JSONValue) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("null"), nil
	}
	return v, nil
}

func (v JSONValue) encode() (string, error) {
	if !json.Valid(v) {
		return "", errors.New("state: invalid JSON metadata value")
	}
	return string(v), nil
}

// decodeMeta reconstructs a MetaValue from its stored form and type tag.
func decodeMeta(value, tag string) (MetaValue, error) {
	switch tag {
	case MetaNumber:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("state: decode number metadata %q: %w", value, err)
		}
		return NumberValue(f), nil
	case MetaBoolean:
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return BoolValue(true), nil
		default:
			return BoolValue(false), nil
		}
	case MetaJSON:
		if !json.Valid([]byte(value)) {
			return nil, fmt.Errorf("state: decode json metadata: invalid document")
		}
		return JSONValue(value), nil
	default:
		return StringValue(value), nil
	}
}

// SetMetadata upserts a typed value under (session, key).
func (m *Manager) SetMetadata(ctx context.Context, sessionID, key string, value MetaValue) error {
	encoded, err := value.encode()
	if err != nil {
		return err
	}
	return m.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO metadata (session_id, key, value, type)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id, key) DO UPDATE SET
				value = excluded.value, type = excluded.type`,
			sessionID, key, encoded, value.Tag())
		if err != nil {
			return fmt.Errorf("state: set metadata %s/%s: %w", sessionID, key, err)
		}
		return nil
	})
}

// Metadata retrieves one typed value, or nil if the key is not set.
func (m *Manager) Metadata(ctx context.Context, sessionID, key string) (MetaValue, error) {
	var value, tag string
	err := m.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx,
			`SELECT value, type FROM metadata WHERE session_id = ? AND key = ?`,
			sessionID, key).Scan(&value, &tag)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: get metadata %s/%s: %w", sessionID, key, err)
	}
	return decodeMeta(value, tag)
}

// AllMetadata retrieves every metadata entry of a session.
func (m *Manager) AllMetadata(ctx context.Context, sessionID string) (map[string]MetaValue, error) {
	out := make(map[string]MetaValue)
	err := m.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT key, value, type FROM metadata WHERE session_id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("state: query metadata: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var key, value, tag string
			if err := rows.Scan(&key, &value, &tag); err != nil {
				return fmt.Errorf("state: scan metadata: %w", err)
			}
			v, err := decodeMeta(value, tag)
			if err != nil {
				return err
			}
			out[key] = v
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

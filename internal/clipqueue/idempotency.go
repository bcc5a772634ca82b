package clipqueue

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultInsertionMode = "append"

	keyDelimiter = "|"
)

// KeyParts are the fields that identify one logical write. Two submissions
// with equal parts are the same write and must collapse onto one job.
type KeyParts struct {
	UserID        string
	WorkspaceID   string
	TargetID      string
	Operation     Operation
	InsertionMode string
	AnchorID      string
	ContentHash   string
}

// HashContent digests a payload over its canonical serialization: object keys
// are emitted in sorted order at every nesting level, so the digest does not
// depend on the key order the caller happened to marshal with.
func HashContent(payload any) (string, error) {
	value, err := decodeCanonical(payload)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return "", err
	}
	digest := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(digest[:]), nil
}

// BuildKey derives the idempotency key for one logical write. Missing
// optional fields default consistently: insertion mode to "append", anchor to
// empty, so omission and explicit-default produce the same key.
func BuildKey(parts KeyParts) string {
	insertionMode := strings.TrimSpace(parts.InsertionMode)
	if insertionMode == "" {
		insertionMode = DefaultInsertionMode
	}
	canonical := strings.Join([]string{
		parts.UserID,
		parts.WorkspaceID,
		parts.TargetID,
		string(parts.Operation),
		insertionMode,
		parts.AnchorID,
		parts.ContentHash,
	}, keyDelimiter)
	digest := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(digest[:])
}

func decodeCanonical(payload any) (any, error) {
	var raw []byte
	switch typed := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = typed
	case []byte:
		raw = typed
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch typed := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(typed))
	case string:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	case json.Number:
		buf.WriteString(typed.String())
	case []any:
		buf.WriteByte('[')
		for i, item := range typed {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodedKey, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			if err := writeCanonical(buf, typed[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported payload value %T", value)
	}
	return nil
}

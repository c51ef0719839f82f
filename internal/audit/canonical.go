package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// canonicalTimeLayout is the created_at encoding in v1 payloads. Timestamps are
// converted to UTC and truncated to microseconds, the precision PostgreSQL keeps.
const canonicalTimeLayout = "2006-01-02T15:04:05.000000Z"

// CanonicalV1 serialises the signed fields of f for signature version v1.
//
// The payload is a JSON object with keys in this exact order:
//
//	type, event, description, module, user_id, subject_type, subject_id,
//	properties, ip_address, user_agent, result, risk_level, created_at
//
// user_id is a number or null. Empty subject_type, subject_id, ip_address and
// user_agent are null. properties is re-encoded with sorted keys and numbers
// kept as written, or null when absent. Strings are not HTML-escaped and there
// is no insignificant whitespace.
func CanonicalV1(f Fields) ([]byte, error) {
	props, err := canonicalProperties(f.Properties)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	w := canonicalWriter{buf: &buf}
	w.str("type", f.Type)
	w.str("event", f.Event)
	w.str("description", f.Description)
	w.str("module", f.Module)
	if f.UserID != nil {
		w.raw("user_id", []byte(strconv.FormatInt(*f.UserID, 10)))
	} else {
		w.raw("user_id", nil)
	}
	w.optional("subject_type", f.SubjectType)
	w.optional("subject_id", f.SubjectID)
	w.raw("properties", props)
	w.optional("ip_address", f.IPAddress)
	w.optional("user_agent", f.UserAgent)
	w.str("result", f.Result)
	w.raw("risk_level", []byte(strconv.Itoa(f.RiskLevel)))
	w.str("created_at", canonicalTime(f.CreatedAt))
	if w.err != nil {
		return nil, w.err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func canonicalTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(canonicalTimeLayout)
}

func canonicalProperties(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var value map[string]any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProperties, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedProperties)
	}
	if value == nil {
		return nil, nil
	}
	return encodeCanonical(value)
}

// encodeCanonical marshals v without HTML escaping. encoding/json already
// sorts map keys.
func encodeCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

type canonicalWriter struct {
	buf   *bytes.Buffer
	err   error
	count int
}

func (w *canonicalWriter) key(name string) {
	if w.count > 0 {
		w.buf.WriteByte(',')
	}
	w.count++
	w.buf.WriteByte('"')
	w.buf.WriteString(name)
	w.buf.WriteString(`":`)
}

func (w *canonicalWriter) str(name, value string) {
	if w.err != nil {
		return
	}
	encoded, err := encodeCanonical(value)
	if err != nil {
		w.err = err
		return
	}
	w.key(name)
	w.buf.Write(encoded)
}

func (w *canonicalWriter) optional(name, value string) {
	if value == "" {
		w.raw(name, nil)
		return
	}
	w.str(name, value)
}

func (w *canonicalWriter) raw(name string, value []byte) {
	if w.err != nil {
		return
	}
	w.key(name)
	if value == nil {
		w.buf.WriteString("null")
		return
	}
	w.buf.Write(value)
}

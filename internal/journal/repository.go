// Package journal records connection status changes and message traffic of
// a session to SQLite, for the console's history view.
//
// The journal is an observer only: nothing is replayed from it and a failed
// write never reaches the session.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Query limits.
const (
	defaultLimit = 20
	maxLimit     = 200

	// PreviewSize is the most payload bytes kept per message.
	PreviewSize = 256
)

// timeLayout is fixed-width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Direction says whether a message was sent or received.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Kind distinguishes the two entry types returned by Recent.
type Kind string

const (
	KindTransition Kind = "transition"
	KindMessage    Kind = "message"
)

// Transition is a recorded status change.
type Transition struct {
	ID       string    `json:"id"`
	ClientID string    `json:"client_id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Cause    string    `json:"cause"`
	At       time.Time `json:"at"`
}

// Message is a recorded publish or delivery.
type Message struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	Direction   Direction `json:"direction"`
	Topic       string    `json:"topic"`
	QoS         int       `json:"qos"`
	Retained    bool      `json:"retained"`
	PayloadSize int       `json:"payload_size"`
	Preview     string    `json:"preview,omitempty"`
	At          time.Time `json:"at"`
}

// Entry is one line of history: either a Transition or a Message.
type Entry struct {
	Kind       Kind
	Transition *Transition
	Message    *Message
}

// At returns when the entry happened.
func (e Entry) At() time.Time {
	if e.Transition != nil {
		return e.Transition.At
	}
	if e.Message != nil {
		return e.Message.At
	}
	return time.Time{}
}

// String formats the entry for display.
func (e Entry) String() string {
	ts := e.At().Local().Format("15:04:05.000")
	switch {
	case e.Transition != nil:
		t := e.Transition
		return fmt.Sprintf("%s  %-3s %s -> %s (%s)", ts, "st", t.From, t.To, t.Cause)
	case e.Message != nil:
		m := e.Message
		return fmt.Sprintf("%s  %-3s q%d %s [%dB] %s", ts, m.Direction, m.QoS, m.Topic, m.PayloadSize, m.Preview)
	default:
		return ts
	}
}

// Repository defines the interface for journal operations.
type Repository interface {
	RecordTransition(ctx context.Context, t *Transition) error
	RecordMessage(ctx context.Context, m *Message) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// SQLiteRepository stores the journal in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a journal repository. The schema must already
// be migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordTransition inserts a status change. ID and At are generated if empty.
func (r *SQLiteRepository) RecordTransition(ctx context.Context, t *Transition) error {
	if t.ID == "" {
		t.ID = "tr-" + uuid.NewString()[:8]
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO session_transitions (id, client_id, from_status, to_status, cause, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.ClientID, t.From, t.To, t.Cause,
		t.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting transition: %w", err)
	}
	return nil
}

// RecordMessage inserts a message. ID and At are generated if empty and the
// preview is cut to PreviewSize bytes of valid UTF-8.
func (r *SQLiteRepository) RecordMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = "msg-" + uuid.NewString()[:8]
	}
	if m.At.IsZero() {
		m.At = time.Now()
	}
	m.Preview = Preview([]byte(m.Preview))

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO session_messages
		   (id, client_id, direction, topic, qos, retained, payload_size, payload_preview, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ClientID, string(m.Direction), m.Topic, m.QoS,
		boolToInt(m.Retained), m.PayloadSize, nullableString(m.Preview),
		m.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// Recent returns the newest entries of both kinds, most recent first.
// A non-positive limit uses the default of 20; limits above 200 are clamped.
func (r *SQLiteRepository) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT 'transition', id, client_id, occurred_at, from_status, to_status, cause,
		       '', '', 0, 0, 0, NULL
		  FROM session_transitions
		UNION ALL
		SELECT 'message', id, client_id, occurred_at, '', '', '',
		       direction, topic, qos, retained, payload_size, payload_preview
		  FROM session_messages
		ORDER BY 4 DESC, 2 DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			kind, id, clientID, occurredAt string
			from, to, cause                string
			direction, topic               string
			qos, retained, size            int
			preview                        sql.NullString
		)
		if err := rows.Scan(&kind, &id, &clientID, &occurredAt, &from, &to, &cause,
			&direction, &topic, &qos, &retained, &size, &preview); err != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", err)
		}

		at, err := time.Parse(timeLayout, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parsing journal timestamp %q: %w", occurredAt, err)
		}

		switch Kind(kind) {
		case KindTransition:
			entries = append(entries, Entry{Kind: KindTransition, Transition: &Transition{
				ID: id, ClientID: clientID, From: from, To: to, Cause: cause, At: at,
			}})
		default:
			entries = append(entries, Entry{Kind: KindMessage, Message: &Message{
				ID: id, ClientID: clientID, Direction: Direction(direction), Topic: topic,
				QoS: qos, Retained: retained != 0, PayloadSize: size, Preview: preview.String, At: at,
			}})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal: %w", err)
	}
	return entries, nil
}

// Preview returns at most PreviewSize bytes of payload as valid UTF-8.
// A multi-byte rune split by the cut is dropped; other invalid bytes are
// replaced.
func Preview(payload []byte) string {
	if len(payload) > PreviewSize {
		payload = payload[:PreviewSize]
		for len(payload) > PreviewSize-utf8.UTFMax && !utf8.Valid(payload) {
			payload = payload[:len(payload)-1]
		}
	}
	return strings.ToValidUTF8(string(payload), "\uFFFD")
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package memory

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nicolasforstinger/lucyd/internal/store"
)

// PairingStore implements store.PairingStore against the same SQLite
// database as Store, since pairing state is small and rarely written.
type PairingStore struct {
	db *sql.DB
}

// NewPairingStore wraps an already-open memory database for pairing use.
func NewPairingStore(s *Store) *PairingStore {
	return &PairingStore{db: s.db}
}

func (p *PairingStore) RequestPairing(userID, channel, chatID, agentKey string) (string, error) {
	var existing string
	err := p.db.QueryRow(`SELECT code FROM pairings WHERE user_id = ? AND channel = ?`, userID, channel).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	code, err := randomCode()
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	_, err = p.db.Exec(
		`INSERT INTO pairings (code, user_id, channel, chat_id, agent_key, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		code, userID, channel, chatID, agentKey, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("insert pairing: %w", err)
	}
	return code, nil
}

func (p *PairingStore) IsPaired(userID, channel string) bool {
	var approved int
	err := p.db.QueryRow(`SELECT approved FROM pairings WHERE user_id = ? AND channel = ?`, userID, channel).Scan(&approved)
	return err == nil && approved == 1
}

func (p *PairingStore) Approve(code string) (*store.PairingRecord, error) {
	res, err := p.db.Exec(`UPDATE pairings SET approved = 1 WHERE code = ?`, code)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("no pairing request with code %q", code)
	}
	return p.get(code)
}

func (p *PairingStore) List() ([]*store.PairingRecord, error) {
	rows, err := p.db.Query(`SELECT code, user_id, channel, chat_id, agent_key, approved, created_at FROM pairings WHERE approved = 0 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.PairingRecord
	for rows.Next() {
		r, err := scanPairingRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PairingStore) get(code string) (*store.PairingRecord, error) {
	row := p.db.QueryRow(`SELECT code, user_id, channel, chat_id, agent_key, approved, created_at FROM pairings WHERE code = ?`, code)
	return scanPairingRow(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPairingRow(row rowScanner) (*store.PairingRecord, error) {
	var r store.PairingRecord
	var approved int
	var created string
	if err := row.Scan(&r.Code, &r.UserID, &r.Channel, &r.ChatID, &r.AgentKey, &approved, &created); err != nil {
		return nil, err
	}
	r.Approved = approved == 1
	r.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &r, nil
}

func randomCode() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

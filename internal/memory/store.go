package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nicolasforstinger/lucyd/internal/store"
)

// dbExecutor is satisfied by both *sql.DB and *sql.Tx, letting Store's
// query methods run unchanged whether issued directly or inside the
// explicit BEGIN/COMMIT transaction WithTx opens for a consolidation pass.
type dbExecutor interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Store implements store.MemoryStore against a SQLite database.
type Store struct {
	db    dbExecutor
	rawDB *sql.DB // nil for a transaction-scoped Store returned by WithTx
}

// Open opens (creating if necessary) the memory database at path and
// ensures its schema is current.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure memory schema: %w", err)
	}
	return &Store{db: db, rawDB: db}, nil
}

func (s *Store) Close() error { return s.rawDB.Close() }

// WithTx runs fn against a Store backed by a single explicit transaction,
// committing on success and rolling back on any error fn returns. This is
// the transaction discipline consolidation passes require: alias inserts,
// fact upserts, episode + commitment inserts, and the consolidation-state
// write all share one BEGIN/COMMIT so a failure midway leaves no partial
// state and does not advance the consolidation watermark.
func (s *Store) WithTx(fn func(tx store.MemoryStore) error) error {
	if s.rawDB == nil {
		return fmt.Errorf("memory: WithTx called on an already-transactional store")
	}
	tx, err := s.rawDB.Begin()
	if err != nil {
		return fmt.Errorf("begin memory tx: %w", err)
	}
	txStore := &Store{db: tx}
	if err := fn(txStore); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit memory tx: %w", err)
	}
	return nil
}

// --- Facts ---

func (s *Store) UpsertFact(entity, attribute, value string, confidence float64, sourceSession string) (*store.Fact, error) {
	now := time.Now().UTC()

	// Invalidate any prior live fact for the same entity+attribute before
	// inserting the new value — facts are append-only, not updated in place.
	if _, err := s.db.Exec(
		`UPDATE facts SET invalidated_at = ? WHERE entity = ? AND attribute = ? AND invalidated_at IS NULL`,
		now.Format(time.RFC3339), entity, attribute,
	); err != nil {
		return nil, fmt.Errorf("invalidate prior fact: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO facts (entity, attribute, value, confidence, source_session, created_at, updated_at, accessed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entity, attribute, value, confidence, sourceSession,
		now.Format(time.RFC3339), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("insert fact: %w", err)
	}
	id, _ := res.LastInsertId()
	return &store.Fact{
		ID: id, Entity: entity, Attribute: attribute, Value: value,
		Confidence: confidence, SourceSession: sourceSession,
		CreatedAt: now, UpdatedAt: now, AccessedAt: now,
	}, nil
}

func (s *Store) InvalidateFact(id int64) error {
	_, err := s.db.Exec(`UPDATE facts SET invalidated_at = ? WHERE id = ?`, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

func (s *Store) FactsByEntity(entity string) ([]*store.Fact, error) {
	rows, err := s.db.Query(
		`SELECT id, entity, attribute, value, confidence, source_session, created_at, updated_at, accessed_at, invalidated_at
		 FROM facts WHERE entity = ? AND invalidated_at IS NULL ORDER BY updated_at DESC`,
		entity,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFacts(rows)
}

// LookupFacts returns the current facts for any of the given entities
// (already normalized by the caller), touching accessed_at on every row
// it returns. Entities is expected to be small (a handful of extracted
// candidates per query), so this issues one query per entity rather than
// building a dynamic IN clause.
func (s *Store) LookupFacts(entities []string, max int) ([]*store.Fact, error) {
	if max <= 0 {
		max = 50
	}
	var out []*store.Fact
	seen := make(map[int64]bool)
	now := time.Now().UTC().Format(time.RFC3339)
	for _, entity := range entities {
		if len(out) >= max {
			break
		}
		rows, err := s.db.Query(
			`SELECT id, entity, attribute, value, confidence, source_session, created_at, updated_at, accessed_at, invalidated_at
			 FROM facts WHERE entity = ? AND invalidated_at IS NULL ORDER BY updated_at DESC`,
			entity,
		)
		if err != nil {
			return nil, fmt.Errorf("lookup facts for %q: %w", entity, err)
		}
		facts, err := scanFacts(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		for _, f := range facts {
			if seen[f.ID] {
				continue
			}
			seen[f.ID] = true
			out = append(out, f)
			if _, err := s.db.Exec(`UPDATE facts SET accessed_at = ? WHERE id = ?`, now, f.ID); err != nil {
				return nil, fmt.Errorf("touch fact %d: %w", f.ID, err)
			}
			if len(out) >= max {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) SearchFacts(query string, limit int) ([]*store.Fact, error) {
	like := "%" + query + "%"
	rows, err := s.db.Query(
		`SELECT id, entity, attribute, value, confidence, source_session, created_at, updated_at, accessed_at, invalidated_at
		 FROM facts WHERE invalidated_at IS NULL AND (entity LIKE ? OR attribute LIKE ? OR value LIKE ?)
		 ORDER BY updated_at DESC LIMIT ?`,
		like, like, like, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFacts(rows)
}

// MostRecentlyAccessedFacts returns current facts ordered by accessed_at
// descending, for the recall engine's session-start warm-up block.
func (s *Store) MostRecentlyAccessedFacts(limit int) ([]*store.Fact, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(
		`SELECT id, entity, attribute, value, confidence, source_session, created_at, updated_at, accessed_at, invalidated_at
		 FROM facts WHERE invalidated_at IS NULL ORDER BY accessed_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (s *Store) TouchFact(id int64) error {
	_, err := s.db.Exec(`UPDATE facts SET accessed_at = ? WHERE id = ?`, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

func scanFacts(rows *sql.Rows) ([]*store.Fact, error) {
	var out []*store.Fact
	for rows.Next() {
		var f store.Fact
		var created, updated, accessed string
		var invalidated sql.NullString
		if err := rows.Scan(&f.ID, &f.Entity, &f.Attribute, &f.Value, &f.Confidence,
			&f.SourceSession, &created, &updated, &accessed, &invalidated); err != nil {
			return nil, err
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339, created)
		f.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		f.AccessedAt, _ = time.Parse(time.RFC3339, accessed)
		if invalidated.Valid {
			t, _ := time.Parse(time.RFC3339, invalidated.String)
			f.InvalidatedAt = &t
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// --- Episodes and commitments ---

func (s *Store) AddEpisode(ep *store.Episode) (*store.Episode, error) {
	res, err := s.db.Exec(
		`INSERT INTO episodes (session_id, date, participants, topics, decisions, commitments, summary, emotional_tone)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.SessionID, ep.Date, ep.Participants, ep.Topics, ep.Decisions, ep.Commitments, ep.Summary, ep.EmotionalTone,
	)
	if err != nil {
		return nil, fmt.Errorf("insert episode: %w", err)
	}
	id, _ := res.LastInsertId()
	ep.ID = id
	return ep, nil
}

func (s *Store) RecentEpisodes(limit int) ([]*store.Episode, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, date, participants, topics, decisions, commitments, summary, emotional_tone
		 FROM episodes ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Episode
	for rows.Next() {
		var e store.Episode
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Date, &e.Participants, &e.Topics,
			&e.Decisions, &e.Commitments, &e.Summary, &e.EmotionalTone); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SearchEpisodesByKeywords matches any keyword against topics OR summary
// with OR-ed LIKE filters, optionally restricted to the last daysBack
// days, ordered by date descending.
func (s *Store) SearchEpisodesByKeywords(keywords []string, daysBack int, max int) ([]*store.Episode, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	if max <= 0 {
		max = 10
	}

	var clauses []string
	var args []interface{}
	for _, kw := range keywords {
		like := "%" + kw + "%"
		clauses = append(clauses, "topics LIKE ? OR summary LIKE ?")
		args = append(args, like, like)
	}
	query := `SELECT id, session_id, date, participants, topics, decisions, commitments, summary, emotional_tone
	          FROM episodes WHERE (` + strings.Join(clauses, ") OR (") + `)`
	if daysBack > 0 {
		query += fmt.Sprintf(" AND date >= date('now', '-%d days')", daysBack)
	}
	query += " ORDER BY date DESC LIMIT ?"
	args = append(args, max)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search episodes: %w", err)
	}
	defer rows.Close()

	var out []*store.Episode
	for rows.Next() {
		var e store.Episode
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Date, &e.Participants, &e.Topics,
			&e.Decisions, &e.Commitments, &e.Summary, &e.EmotionalTone); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) AddCommitment(c *store.Commitment) (*store.Commitment, error) {
	if c.Status == "" {
		c.Status = "open"
	}
	res, err := s.db.Exec(
		`INSERT INTO commitments (episode_id, who, what, deadline, status) VALUES (?, ?, ?, ?, ?)`,
		c.EpisodeID, c.Who, c.What, c.Deadline, c.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("insert commitment: %w", err)
	}
	id, _ := res.LastInsertId()
	c.ID = id
	return c, nil
}

func (s *Store) OpenCommitments() ([]*store.Commitment, error) {
	rows, err := s.db.Query(
		`SELECT id, episode_id, who, what, deadline, status, created_at FROM commitments
		 WHERE status = 'open' ORDER BY deadline IS NULL, deadline ASC, created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Commitment
	for rows.Next() {
		var c store.Commitment
		var created string
		if err := rows.Scan(&c.ID, &c.EpisodeID, &c.Who, &c.What, &c.Deadline, &c.Status, &created); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// SetCommitmentStatus transitions a commitment out of "open". Per the
// status-transition invariant (open -> {done, expired, cancelled} only)
// the update only ever touches rows still in "open".
func (s *Store) SetCommitmentStatus(id int64, status string) error {
	_, err := s.db.Exec(`UPDATE commitments SET status = ? WHERE id = ? AND status = 'open'`, status, id)
	return err
}

// --- Entity aliases ---

func (s *Store) ResolveAlias(alias string) (string, bool) {
	var canonical string
	err := s.db.QueryRow(`SELECT canonical FROM entity_aliases WHERE alias = ?`, strings.ToLower(alias)).Scan(&canonical)
	if err != nil {
		return "", false
	}
	return canonical, true
}

func (s *Store) SetAlias(alias, canonical string) error {
	_, err := s.db.Exec(
		`INSERT INTO entity_aliases (alias, canonical) VALUES (?, ?)
		 ON CONFLICT(alias) DO UPDATE SET canonical = excluded.canonical`,
		strings.ToLower(alias), canonical,
	)
	return err
}

// --- Chunks: FTS and vector search (internal/recall calls only SearchChunksVector) ---

func (s *Store) IndexChunk(path, source, text string) error {
	_, err := s.db.Exec(
		`INSERT INTO chunks (path, source, text, created_at) VALUES (?, ?, ?, ?)`,
		path, source, text, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// sanitizeFTS5 double-quotes each token so FTS5 treats hyphens, apostrophes
// and other special characters as literals rather than query operators.
func sanitizeFTS5(query string) string {
	query = strings.ReplaceAll(query, `"`, "")
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	for i, f := range fields {
		fields[i] = `"` + f + `"`
	}
	return strings.Join(fields, " ")
}

func (s *Store) SearchChunksFTS(query string, limit int) ([]*store.Chunk, error) {
	safe := sanitizeFTS5(query)
	if safe == "" {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT c.id, c.path, c.source, c.text, c.created_at, fts.rank AS score
		 FROM chunks_fts fts JOIN chunks c ON c.id = fts.rowid
		 WHERE chunks_fts MATCH ? ORDER BY fts.rank LIMIT ?`,
		safe, limit,
	)
	if err != nil {
		// FTS5 MATCH syntax errors are a query-shape problem, not a store
		// failure — degrade to no results rather than surfacing an error.
		return nil, nil
	}
	defer rows.Close()
	var out []*store.Chunk
	for rows.Next() {
		var c store.Chunk
		var created string
		if err := rows.Scan(&c.ID, &c.Path, &c.Source, &c.Text, &created, &c.Score); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, &c)
	}
	return out, rows.Err()
}

const vectorSearchRowLimit = 10_000

func (s *Store) SearchChunksVector(embedding []float64, limit int) ([]*store.Chunk, error) {
	rows, err := s.db.Query(
		`SELECT id, path, source, text, created_at, embedding FROM chunks WHERE embedding IS NOT NULL LIMIT ?`,
		vectorSearchRowLimit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []*store.Chunk
	for rows.Next() {
		var c store.Chunk
		var created string
		var embJSON sql.NullString
		if err := rows.Scan(&c.ID, &c.Path, &c.Source, &c.Text, &created, &embJSON); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, created)
		if !embJSON.Valid || embJSON.String == "" {
			continue
		}
		var stored []float64
		if err := json.Unmarshal([]byte(embJSON.String), &stored); err != nil {
			continue
		}
		c.Score = cosineSimilarity(embedding, stored)
		candidates = append(candidates, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortChunksByScoreDesc(candidates)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sortChunksByScoreDesc(chunks []*store.Chunk) {
	for i := 1; i < len(chunks); i++ {
		for j := i; j > 0 && chunks[j].Score > chunks[j-1].Score; j-- {
			chunks[j], chunks[j-1] = chunks[j-1], chunks[j]
		}
	}
}

func (s *Store) GetEmbedding(text, model string) ([]float64, bool) {
	hash := sha256Hex(text)
	var raw string
	err := s.db.QueryRow(`SELECT embedding FROM embedding_cache WHERE hash = ? AND model = ?`, hash, model).Scan(&raw)
	if err != nil {
		return nil, false
	}
	var emb []float64
	if err := json.Unmarshal([]byte(raw), &emb); err != nil {
		return nil, false
	}
	return emb, true
}

func (s *Store) CacheEmbedding(provider, model, text string, embedding []float64) error {
	hash := sha256Hex(text)
	raw, err := json.Marshal(embedding)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO embedding_cache (provider, model, provider_key, hash, embedding, dims, updated_at)
		 VALUES (?, ?, '', ?, ?, ?, ?)
		 ON CONFLICT(hash, model) DO UPDATE SET embedding = excluded.embedding, updated_at = excluded.updated_at`,
		provider, model, hash, raw, len(embedding), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// --- Consolidation bookkeeping ---

func (s *Store) GetConsolidationState(sessionID string) (*store.ConsolidationState, error) {
	var st store.ConsolidationState
	var last string
	err := s.db.QueryRow(
		`SELECT session_id, last_compaction_count, last_message_count, last_consolidated_at
		 FROM consolidation_state WHERE session_id = ?`, sessionID,
	).Scan(&st.SessionID, &st.LastCompactionCount, &st.LastMessageCount, &last)
	if err == sql.ErrNoRows {
		return &store.ConsolidationState{SessionID: sessionID}, nil
	}
	if err != nil {
		return nil, err
	}
	st.LastConsolidatedAt, _ = time.Parse(time.RFC3339, last)
	return &st, nil
}

func (s *Store) SetConsolidationState(st *store.ConsolidationState) error {
	_, err := s.db.Exec(
		`INSERT INTO consolidation_state (session_id, last_compaction_count, last_message_count, last_consolidated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   last_compaction_count = excluded.last_compaction_count,
		   last_message_count = excluded.last_message_count,
		   last_consolidated_at = excluded.last_consolidated_at`,
		st.SessionID, st.LastCompactionCount, st.LastMessageCount, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) FileHashProcessed(path, hash string) bool {
	var existing string
	err := s.db.QueryRow(`SELECT content_hash FROM consolidation_file_hashes WHERE file_path = ?`, path).Scan(&existing)
	return err == nil && existing == hash
}

func (s *Store) RecordFileHash(path, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO consolidation_file_hashes (file_path, content_hash, last_processed_at) VALUES (?, ?, ?)
		 ON CONFLICT(file_path) DO UPDATE SET content_hash = excluded.content_hash, last_processed_at = excluded.last_processed_at`,
		path, hash, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

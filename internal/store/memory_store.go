package store

import "time"

// Fact is an entity-attribute-value triple with confidence scoring.
type Fact struct {
	ID            int64
	Entity        string
	Attribute     string
	Value         string
	Confidence    float64
	SourceSession string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	AccessedAt    time.Time
	InvalidatedAt *time.Time
}

// Episode is a timestamped narrative summary of a session.
type Episode struct {
	ID            int64
	SessionID     string
	Date          string
	Participants  string
	Topics        string
	Decisions     string
	Commitments   string
	Summary       string
	EmotionalTone string
}

// Commitment is a promise or obligation surfaced during consolidation.
type Commitment struct {
	ID        int64
	EpisodeID int64
	Who       string
	What      string
	Deadline  string
	Status    string // "open", "done", "dropped"
	CreatedAt time.Time
}

// Chunk is an indexed slice of workspace text made recallable via FTS5
// and, when an embedding model is configured, vector search.
type Chunk struct {
	ID        int64
	Path      string
	Source    string
	Text      string
	CreatedAt time.Time
	Score     float64 // populated by search, not stored
}

// ConsolidationState tracks how far consolidation has progressed for a
// session, so re-runs only process messages appended since last time.
type ConsolidationState struct {
	SessionID           string
	LastCompactionCount int
	LastMessageCount    int
	LastConsolidatedAt  time.Time
}

// MemoryStore is the structured long-term memory backing Recall (component
// E) and Consolidation (component F): facts, episodes, commitments, entity
// aliases, indexed workspace chunks, and the bookkeeping consolidation
// needs to avoid reprocessing unchanged input.
type MemoryStore interface {
	// Facts
	UpsertFact(entity, attribute, value string, confidence float64, sourceSession string) (*Fact, error)
	InvalidateFact(id int64) error
	FactsByEntity(entity string) ([]*Fact, error)
	// LookupFacts returns the current (non-invalidated) facts for any of
	// the given entities, up to max rows, touching accessed_at on each
	// returned row. Used by the recall engine's fact block.
	LookupFacts(entities []string, max int) ([]*Fact, error)
	SearchFacts(query string, limit int) ([]*Fact, error)
	TouchFact(id int64) error
	// MostRecentlyAccessedFacts backs the recall engine's session-start
	// warm-up block: current facts ordered by accessed_at descending.
	MostRecentlyAccessedFacts(limit int) ([]*Fact, error)

	// Episodes and commitments
	AddEpisode(ep *Episode) (*Episode, error)
	RecentEpisodes(limit int) ([]*Episode, error)
	// SearchEpisodesByKeywords matches any keyword against topics OR
	// summary (OR-ed LIKE filters), optionally restricted to the last
	// daysBack days (0 = no restriction), ordered by date descending.
	SearchEpisodesByKeywords(keywords []string, daysBack int, max int) ([]*Episode, error)
	AddCommitment(c *Commitment) (*Commitment, error)
	OpenCommitments() ([]*Commitment, error)
	SetCommitmentStatus(id int64, status string) error

	// Entity aliases
	ResolveAlias(alias string) (canonical string, ok bool)
	SetAlias(alias, canonical string) error

	// Chunk indexing and search (the recall engine calls only SearchChunksVector)
	IndexChunk(path, source, text string) error
	SearchChunksFTS(query string, limit int) ([]*Chunk, error)
	SearchChunksVector(embedding []float64, limit int) ([]*Chunk, error)
	GetEmbedding(text, model string) ([]float64, bool)
	CacheEmbedding(provider, model, text string, embedding []float64) error

	// Consolidation bookkeeping
	GetConsolidationState(sessionID string) (*ConsolidationState, error)
	SetConsolidationState(st *ConsolidationState) error
	FileHashProcessed(path, hash string) bool
	RecordFileHash(path, hash string) error

	// WithTx runs fn against a transaction-scoped MemoryStore, committing
	// on success and rolling back on any error fn returns. Used by the
	// consolidation engine so a fact/episode/commitment/state write set
	// applies atomically.
	WithTx(fn func(tx MemoryStore) error) error

	Close() error
}

package consolidation

import (
	"github.com/nicolasforstinger/lucyd/internal/store"
)

// fakeMemStore is a minimal in-memory stand-in for store.MemoryStore,
// enough to exercise GetUnprocessedRange / ConsolidateSession without a
// real SQLite database.
type fakeMemStore struct {
	facts       map[string][]*store.Fact
	aliases     map[string]string
	episodes    []*store.Episode
	commitments []*store.Commitment
	consState   map[string]*store.ConsolidationState
	fileHashes  map[string]string
	nextID      int64
}

func newFakeMemStore() *fakeMemStore {
	return &fakeMemStore{
		facts:      make(map[string][]*store.Fact),
		aliases:    make(map[string]string),
		consState:  make(map[string]*store.ConsolidationState),
		fileHashes: make(map[string]string),
	}
}

func (f *fakeMemStore) UpsertFact(entity, attribute, value string, confidence float64, sourceSession string) (*store.Fact, error) {
	f.nextID++
	row := &store.Fact{ID: f.nextID, Entity: entity, Attribute: attribute, Value: value, Confidence: confidence, SourceSession: sourceSession}
	f.facts[entity] = append(f.facts[entity], row)
	return row, nil
}
func (f *fakeMemStore) InvalidateFact(id int64) error { return nil }
func (f *fakeMemStore) FactsByEntity(entity string) ([]*store.Fact, error) { return f.facts[entity], nil }
func (f *fakeMemStore) LookupFacts(entities []string, max int) ([]*store.Fact, error) {
	var out []*store.Fact
	for _, e := range entities {
		out = append(out, f.facts[e]...)
	}
	return out, nil
}
func (f *fakeMemStore) SearchFacts(query string, limit int) ([]*store.Fact, error) { return nil, nil }
func (f *fakeMemStore) TouchFact(id int64) error                                   { return nil }
func (f *fakeMemStore) MostRecentlyAccessedFacts(limit int) ([]*store.Fact, error)  { return nil, nil }

func (f *fakeMemStore) AddEpisode(ep *store.Episode) (*store.Episode, error) {
	f.nextID++
	ep.ID = f.nextID
	f.episodes = append(f.episodes, ep)
	return ep, nil
}
func (f *fakeMemStore) RecentEpisodes(limit int) ([]*store.Episode, error) { return f.episodes, nil }
func (f *fakeMemStore) SearchEpisodesByKeywords(keywords []string, daysBack int, max int) ([]*store.Episode, error) {
	return f.episodes, nil
}
func (f *fakeMemStore) AddCommitment(c *store.Commitment) (*store.Commitment, error) {
	f.nextID++
	c.ID = f.nextID
	f.commitments = append(f.commitments, c)
	return c, nil
}
func (f *fakeMemStore) OpenCommitments() ([]*store.Commitment, error) { return f.commitments, nil }
func (f *fakeMemStore) SetCommitmentStatus(id int64, status string) error { return nil }

func (f *fakeMemStore) ResolveAlias(alias string) (string, bool) {
	canonical, ok := f.aliases[alias]
	return canonical, ok
}
func (f *fakeMemStore) SetAlias(alias, canonical string) error {
	f.aliases[alias] = canonical
	return nil
}

func (f *fakeMemStore) IndexChunk(path, source, text string) error { return nil }
func (f *fakeMemStore) SearchChunksFTS(query string, limit int) ([]*store.Chunk, error) {
	return nil, nil
}
func (f *fakeMemStore) SearchChunksVector(embedding []float64, limit int) ([]*store.Chunk, error) {
	return nil, nil
}
func (f *fakeMemStore) GetEmbedding(text, model string) ([]float64, bool) { return nil, false }
func (f *fakeMemStore) CacheEmbedding(provider, model, text string, embedding []float64) error {
	return nil
}

func (f *fakeMemStore) GetConsolidationState(sessionID string) (*store.ConsolidationState, error) {
	if st, ok := f.consState[sessionID]; ok {
		return st, nil
	}
	return &store.ConsolidationState{SessionID: sessionID}, nil
}
func (f *fakeMemStore) SetConsolidationState(st *store.ConsolidationState) error {
	f.consState[st.SessionID] = st
	return nil
}
func (f *fakeMemStore) FileHashProcessed(path, hash string) bool {
	return f.fileHashes[path] == hash
}
func (f *fakeMemStore) RecordFileHash(path, hash string) error {
	f.fileHashes[path] = hash
	return nil
}

func (f *fakeMemStore) WithTx(fn func(tx store.MemoryStore) error) error {
	return fn(f)
}

func (f *fakeMemStore) Close() error { return nil }

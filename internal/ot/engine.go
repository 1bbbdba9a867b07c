package ot

import "sync"

// Engine is the in-process registry of authoritative documents. Each gateway
// node owns the documents it serves; cross-node consistency comes from the
// pub/sub relay, not from this registry.
type Engine struct {
	mu                 sync.RWMutex
	docs               map[string]*Document
	checkpointInterval int
}

// NewEngine builds the document registry.
func NewEngine(checkpointInterval int) *Engine {
	return &Engine{
		docs:               make(map[string]*Document),
		checkpointInterval: checkpointInterval,
	}
}

// Get returns the document by id, or nil.
func (e *Engine) Get(docID string) *Document {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.docs[docID]
}

// GetOrCreate returns the document, creating it at version 0 with the given
// initial content when it does not exist yet.
func (e *Engine) GetOrCreate(docID, initial string) *Document {
	e.mu.RLock()
	doc := e.docs[docID]
	e.mu.RUnlock()
	if doc != nil {
		return doc
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if doc := e.docs[docID]; doc != nil {
		return doc
	}
	doc = NewDocument(docID, initial, e.checkpointInterval)
	e.docs[docID] = doc
	return doc
}

// Remove drops a document from the registry.
func (e *Engine) Remove(docID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.docs, docID)
}

// Count returns the number of open documents.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.docs)
}

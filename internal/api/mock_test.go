package api

import (
	"context"

	"github.com/kalambet/docqa/internal/qa"
	"github.com/kalambet/docqa/internal/service"
	"github.com/kalambet/docqa/internal/storage"
)

// mockService implements DocumentService with overridable funcs. Unset
// funcs return zero values.
type mockService struct {
	ingestFn   func(ctx context.Context, ownerID, filename, contentType string, content []byte) (service.IngestResult, error)
	reingestFn func(ctx context.Context, ownerID, documentID, filename, contentType string, content []byte) (service.IngestResult, error)
	listFn     func(ctx context.Context, ownerID string) ([]service.DocumentSummary, error)
	getFn      func(ctx context.Context, ownerID, documentID string) (storage.Document, error)
	deleteFn   func(ctx context.Context, ownerID, documentID string) error
	askFn      func(ctx context.Context, ownerID, documentID, question string) (qa.Answer, error)
	reindexFn  func(ctx context.Context) (int, error)
	statsFn    func(ctx context.Context) (service.Stats, error)
}

func (m *mockService) Ingest(ctx context.Context, ownerID, filename, contentType string, content []byte) (service.IngestResult, error) {
	if m.ingestFn != nil {
		return m.ingestFn(ctx, ownerID, filename, contentType, content)
	}
	return service.IngestResult{}, nil
}

func (m *mockService) Reingest(ctx context.Context, ownerID, documentID, filename, contentType string, content []byte) (service.IngestResult, error) {
	if m.reingestFn != nil {
		return m.reingestFn(ctx, ownerID, documentID, filename, contentType, content)
	}
	return service.IngestResult{}, nil
}

func (m *mockService) ListDocuments(ctx context.Context, ownerID string) ([]service.DocumentSummary, error) {
	if m.listFn != nil {
		return m.listFn(ctx, ownerID)
	}
	return nil, nil
}

func (m *mockService) GetDocument(ctx context.Context, ownerID, documentID string) (storage.Document, error) {
	if m.getFn != nil {
		return m.getFn(ctx, ownerID, documentID)
	}
	return storage.Document{}, nil
}

func (m *mockService) DeleteDocument(ctx context.Context, ownerID, documentID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, ownerID, documentID)
	}
	return nil
}

func (m *mockService) Ask(ctx context.Context, ownerID, documentID, question string) (qa.Answer, error) {
	if m.askFn != nil {
		return m.askFn(ctx, ownerID, documentID, question)
	}
	return qa.Answer{}, nil
}

func (m *mockService) Reindex(ctx context.Context) (int, error) {
	if m.reindexFn != nil {
		return m.reindexFn(ctx)
	}
	return 0, nil
}

func (m *mockService) Stats(ctx context.Context) (service.Stats, error) {
	if m.statsFn != nil {
		return m.statsFn(ctx)
	}
	return service.Stats{}, nil
}

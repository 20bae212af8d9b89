package pipeline

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/receiptops/internal/models"
	"example.com/receiptops/internal/repositories"
)

// Mock receipt store for testing
type MockReceiptStore struct {
	mock.Mock
}

func (m *MockReceiptStore) Create(ctx context.Context, receipt *models.Receipt) error {
	args := m.Called(ctx, receipt)
	return args.Error(0)
}

func (m *MockReceiptStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Receipt, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Receipt), args.Error(1)
}

func (m *MockReceiptStore) GetByContentHash(ctx context.Context, hash string) (*models.Receipt, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Receipt), args.Error(1)
}

func (m *MockReceiptStore) ListByState(ctx context.Context, state models.ReceiptState, limit int) ([]models.Receipt, error) {
	args := m.Called(ctx, state, limit)
	return args.Get(0).([]models.Receipt), args.Error(1)
}

func (m *MockReceiptStore) UpdateState(ctx context.Context, id uuid.UUID, from, to models.ReceiptState) error {
	args := m.Called(ctx, id, from, to)
	return args.Error(0)
}

func (m *MockReceiptStore) SetEmbeddingProvenance(ctx context.Context, id uuid.UUID, model string, dim int, durationMs int64) error {
	args := m.Called(ctx, id, model, dim, durationMs)
	return args.Error(0)
}

func (m *MockReceiptStore) SetBrandMatch(ctx context.Context, id uuid.UUID, brandID uuid.UUID, name string, score float64, method string, state models.ReceiptState, durationMs int64) error {
	args := m.Called(ctx, id, brandID, name, score, method, state, durationMs)
	return args.Error(0)
}

func (m *MockReceiptStore) SetTiming(ctx context.Context, id uuid.UUID, column string, durationMs int64) error {
	args := m.Called(ctx, id, column, durationMs)
	return args.Error(0)
}

func (m *MockReceiptStore) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// Mock event sink for testing
type MockEventSink struct {
	mock.Mock
}

func (m *MockEventSink) Append(ctx context.Context, event *models.ProcessingEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventSink) Finish(ctx context.Context, eventID uuid.UUID, status string, durationMs int64, message string) error {
	args := m.Called(ctx, eventID, status, durationMs, message)
	return args.Error(0)
}

func TestContentHash(t *testing.T) {
	hash := ContentHash("CARREFOUR MARKET\nBaguette 1,15€\n")
	require.Len(t, hash, 64)
	require.Equal(t, hash, ContentHash("CARREFOUR MARKET\nBaguette 1,15€\n"))
	require.NotEqual(t, hash, ContentHash("CARREFOUR MARKET\nBaguette 1,16€\n"))
}

func TestIngestCreatesNewReceipt(t *testing.T) {
	store := new(MockReceiptStore)
	sink := new(MockEventSink)
	gate := NewIntakeGate(store, NewRecorder(sink))

	rawText := "CARREFOUR MARKET\nBaguette 1,15€\n2x Lait 2,30€"
	hash := ContentHash(rawText)

	store.On("GetByContentHash", mock.Anything, hash).Return(nil, errors.New("record not found"))
	store.On("Create", mock.Anything, mock.AnythingOfType("*models.Receipt")).Return(nil)
	store.On("SetTiming", mock.Anything, mock.Anything, "t_ingest_ms", mock.Anything).Return(nil)
	sink.On("Append", mock.Anything, mock.AnythingOfType("*models.ProcessingEvent")).Return(nil)

	id, isNew, err := gate.Ingest(context.Background(), "ticket_001.txt", rawText)
	require.NoError(t, err)
	require.True(t, isNew)
	require.NotEqual(t, uuid.Nil, id)

	created := store.Calls[1].Arguments.Get(1).(*models.Receipt)
	require.Equal(t, hash, created.ContentHash)
	require.Equal(t, models.StateIngested, created.State)
	require.Equal(t, "ticket_001.txt", created.SourceFile)
	require.NotEqual(t, uuid.Nil, created.RootID)

	event := sink.Calls[0].Arguments.Get(1).(*models.ProcessingEvent)
	require.Equal(t, models.StepIngest, event.Step)
	require.Equal(t, models.StatusOK, event.Status)
	require.Contains(t, event.Message, "ingested ticket_001.txt (3 lines)")

	store.AssertExpectations(t)
	sink.AssertExpectations(t)
}

func TestIngestDuplicateIsPureRead(t *testing.T) {
	store := new(MockReceiptStore)
	sink := new(MockEventSink)
	gate := NewIntakeGate(store, NewRecorder(sink))

	rawText := "AUCHAN\nPain 0,95€"
	existing := &models.Receipt{ID: uuid.New(), ContentHash: ContentHash(rawText)}

	store.On("GetByContentHash", mock.Anything, existing.ContentHash).Return(existing, nil)

	id, isNew, err := gate.Ingest(context.Background(), "ticket_002.txt", rawText)
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, existing.ID, id)

	// A duplicate causes no write and no journal entry
	store.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	sink.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestIngestRaceLoserFallsBackToRead(t *testing.T) {
	store := new(MockReceiptStore)
	sink := new(MockEventSink)
	gate := NewIntakeGate(store, NewRecorder(sink))

	rawText := "MONOPRIX\nCafe 3,20€"
	hash := ContentHash(rawText)
	winner := &models.Receipt{ID: uuid.New(), ContentHash: hash}

	// Not visible at the fast-path read, then the insert loses the race
	store.On("GetByContentHash", mock.Anything, hash).Return(nil, errors.New("record not found")).Once()
	store.On("Create", mock.Anything, mock.AnythingOfType("*models.Receipt")).Return(repositories.ErrDuplicateReceipt)
	store.On("GetByContentHash", mock.Anything, hash).Return(winner, nil).Once()
	sink.On("Append", mock.Anything, mock.AnythingOfType("*models.ProcessingEvent")).Return(nil)

	id, isNew, err := gate.Ingest(context.Background(), "ticket_003.txt", rawText)
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, winner.ID, id)

	event := sink.Calls[0].Arguments.Get(1).(*models.ProcessingEvent)
	require.Contains(t, event.Message, "skip duplicate ticket_003.txt")
	require.Contains(t, event.Message, hash)

	store.AssertExpectations(t)
	sink.AssertExpectations(t)
}

func TestIngestCreateFailureSurfaces(t *testing.T) {
	store := new(MockReceiptStore)
	sink := new(MockEventSink)
	gate := NewIntakeGate(store, NewRecorder(sink))

	store.On("GetByContentHash", mock.Anything, mock.Anything).Return(nil, errors.New("record not found"))
	store.On("Create", mock.Anything, mock.Anything).Return(errors.New("connection refused"))
	sink.On("Append", mock.Anything, mock.AnythingOfType("*models.ProcessingEvent")).Return(nil)

	_, _, err := gate.Ingest(context.Background(), "ticket_004.txt", "some text")
	require.Error(t, err)

	event := sink.Calls[0].Arguments.Get(1).(*models.ProcessingEvent)
	require.Equal(t, models.StatusError, event.Status)
}

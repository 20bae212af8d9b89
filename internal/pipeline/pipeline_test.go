package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/receiptops/internal/metrics"
	"example.com/receiptops/internal/models"
	"example.com/receiptops/internal/repositories"
	"example.com/receiptops/internal/vectorstore"
	"example.com/receiptops/internal/vectorstore/memory"
)

// Mock line store for testing
type MockLineStore struct {
	mock.Mock
}

func (m *MockLineStore) CreateBatch(ctx context.Context, lines []models.ReceiptLine) error {
	args := m.Called(ctx, lines)
	return args.Error(0)
}

func (m *MockLineStore) GetByID(ctx context.Context, id uuid.UUID) (*models.ReceiptLine, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ReceiptLine), args.Error(1)
}

func (m *MockLineStore) ListForReceipt(ctx context.Context, receiptID uuid.UUID) ([]models.ReceiptLine, error) {
	args := m.Called(ctx, receiptID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ReceiptLine), args.Error(1)
}

func (m *MockLineStore) UpdateExtraction(ctx context.Context, line *models.ReceiptLine) error {
	args := m.Called(ctx, line)
	return args.Error(0)
}

func (m *MockLineStore) SetValidation(ctx context.Context, id uuid.UUID, v models.LineValidation) error {
	args := m.Called(ctx, id, v)
	return args.Error(0)
}

func (m *MockLineStore) MarkVectorized(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockLineStore) CountPending(ctx context.Context, receiptID uuid.UUID) (int64, error) {
	args := m.Called(ctx, receiptID)
	return args.Get(0).(int64), args.Error(1)
}

// stubEmbedder returns the same vector for every input
type stubEmbedder struct {
	vector []float64
}

func (e *stubEmbedder) Embed(_ context.Context, _ string) ([]float64, error) {
	return e.vector, nil
}

func (e *stubEmbedder) Model() string { return "stub-model" }

func (e *stubEmbedder) Dimension() int { return len(e.vector) }

// newSeededStore builds an in-memory similarity store with every pipeline
// collection initialized and the given alias vectors preloaded
func newSeededStore(t *testing.T, aliasVectors map[uuid.UUID][]float64, dim int) vectorstore.Store {
	t.Helper()
	store := memory.NewStore()
	for _, collection := range []vectorstore.Collection{
		vectorstore.CollectionBrandAliases,
		vectorstore.CollectionReceipts,
		vectorstore.CollectionLines,
	} {
		require.NoError(t, store.Init(context.Background(), collection, dim))
	}
	for id, vec := range aliasVectors {
		require.NoError(t, store.Upsert(context.Background(), vectorstore.CollectionBrandAliases, id, vec))
	}
	return store
}

func newTestService(receipts *MockReceiptStore, lines *MockLineStore, catalogStore *MockCatalogStore, sink *MockEventSink, embedVec []float64, store vectorstore.Store) *Service {
	catalog := NewCatalogProvider(catalogStore, nil, 0)
	return NewService(receipts, lines, nil, catalog, NewRecorder(sink),
		&stubEmbedder{vector: embedVec}, store, nil, metrics.NewMetrics(), matchingConfig())
}

func TestProcessReceiptWalksToProductsValidated(t *testing.T) {
	receipts := new(MockReceiptStore)
	lines := new(MockLineStore)
	catalogStore := new(MockCatalogStore)
	sink := new(MockEventSink)

	brand := models.Brand{ID: uuid.New(), Name: "Carrefour"}
	aliasID := uuid.New()
	store := newSeededStore(t, map[uuid.UUID][]float64{aliasID: {1, 0, 0}}, 3)
	svc := newTestService(receipts, lines, catalogStore, sink, []float64{1, 0, 0}, store)

	receipt := &models.Receipt{
		ID:      uuid.New(),
		RootID:  uuid.New(),
		State:   models.StateIngested,
		RawText: "CARREFOUR MARKET\nBaguette 1,15€",
	}

	catalogStore.On("ListAliases", mock.Anything).Return([]models.BrandAlias{
		{ID: aliasID, BrandID: brand.ID, Alias: "carrefour", Brand: brand},
	}, nil)
	sink.On("Append", mock.Anything, mock.AnythingOfType("*models.ProcessingEvent")).Return(nil)
	sink.On("Finish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	receipts.On("GetByID", mock.Anything, receipt.ID).Return(receipt, nil)
	receipts.On("SetEmbeddingProvenance", mock.Anything, receipt.ID, "stub-model", 3, mock.Anything).
		Return(nil).
		Run(func(mock.Arguments) {
			now := time.Now()
			receipt.VectorizedAt = &now
		})
	receipts.On("UpdateState", mock.Anything, receipt.ID, models.StateIngested, models.StateBrandToValidate).Return(nil)
	receipts.On("SetBrandMatch", mock.Anything, receipt.ID, brand.ID, "Carrefour", 1.0, MethodHybridLexicalPreferred, models.StateBrandValidated, mock.Anything).Return(nil)
	receipts.On("UpdateState", mock.Anything, receipt.ID, models.StateBrandValidated, models.StateProductsToValidate).Return(nil)
	receipts.On("UpdateState", mock.Anything, receipt.ID, models.StateProductsToValidate, models.StateProductsValidated).Return(nil)
	receipts.On("SetTiming", mock.Anything, receipt.ID, "t_parse_ms", mock.Anything).Return(nil)

	var saved []models.ReceiptLine
	lines.On("ListForReceipt", mock.Anything, receipt.ID).Return([]models.ReceiptLine{}, nil)
	lines.On("CreateBatch", mock.Anything, mock.AnythingOfType("[]models.ReceiptLine")).Return(nil)
	lines.On("MarkVectorized", mock.Anything, mock.Anything).Return(nil)
	lines.On("UpdateExtraction", mock.Anything, mock.AnythingOfType("*models.ReceiptLine")).
		Return(nil).
		Run(func(args mock.Arguments) {
			saved = append(saved, *args.Get(1).(*models.ReceiptLine))
		})
	lines.On("CountPending", mock.Anything, receipt.ID).Return(int64(0), nil)

	require.NoError(t, svc.ProcessReceipt(context.Background(), receipt.ID))
	require.Equal(t, models.StateProductsValidated, receipt.State)

	require.Len(t, saved, 2)
	require.Equal(t, "Carrefour", saved[0].ItemBrand)
	require.Equal(t, "Baguette", saved[1].ItemName)
	require.NotNil(t, saved[1].Price)
	require.Equal(t, 1.15, *saved[1].Price)
	require.Equal(t, models.ValidationValidated, saved[1].Validation)

	receipts.AssertNotCalled(t, "UpdateState", mock.Anything, mock.Anything, mock.Anything, models.StateError)
	receipts.AssertExpectations(t)
	lines.AssertExpectations(t)
}

func TestProcessReceiptNoBrandMatchFailsReceipt(t *testing.T) {
	receipts := new(MockReceiptStore)
	lines := new(MockLineStore)
	catalogStore := new(MockCatalogStore)
	sink := new(MockEventSink)

	brand := models.Brand{ID: uuid.New(), Name: "Carrefour"}
	aliasID := uuid.New()
	store := newSeededStore(t, map[uuid.UUID][]float64{aliasID: {1, 0, 0}}, 3)
	// The embedder vector is orthogonal to the only alias and the text has no
	// lexical resemblance, so nothing clears the accept floor
	svc := newTestService(receipts, lines, catalogStore, sink, []float64{0, 1, 0}, store)

	now := time.Now()
	receipt := &models.Receipt{
		ID:           uuid.New(),
		State:        models.StateBrandToValidate,
		RawText:      "MAGASIN INCONNU\nArticle 9,99€",
		VectorizedAt: &now,
	}

	catalogStore.On("ListAliases", mock.Anything).Return([]models.BrandAlias{
		{ID: aliasID, BrandID: brand.ID, Alias: "carrefour", Brand: brand},
	}, nil)
	sink.On("Append", mock.Anything, mock.AnythingOfType("*models.ProcessingEvent")).Return(nil)
	sink.On("Finish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	receipts.On("GetByID", mock.Anything, receipt.ID).Return(receipt, nil)
	receipts.On("UpdateState", mock.Anything, receipt.ID, models.StateBrandToValidate, models.StateError).Return(nil)

	// The stage fault is journaled and absorbed, not propagated
	require.NoError(t, svc.ProcessReceipt(context.Background(), receipt.ID))
	require.Equal(t, models.StateError, receipt.State)

	var journaled bool
	for _, call := range sink.Calls {
		if call.Method == "Finish" &&
			call.Arguments.Get(2).(string) == models.StatusError &&
			call.Arguments.Get(4).(string) == ErrNoBrandMatch.Error() {
			journaled = true
		}
	}
	require.True(t, journaled)
	receipts.AssertExpectations(t)
}

func TestParseRaceLoserAdoptsWinnerLines(t *testing.T) {
	receipts := new(MockReceiptStore)
	lines := new(MockLineStore)
	catalogStore := new(MockCatalogStore)
	sink := new(MockEventSink)

	brand := models.Brand{ID: uuid.New(), Name: "Carrefour"}
	aliasID := uuid.New()
	store := newSeededStore(t, map[uuid.UUID][]float64{aliasID: {1, 0, 0}}, 3)
	svc := newTestService(receipts, lines, catalogStore, sink, []float64{1, 0, 0}, store)

	now := time.Now()
	receipt := &models.Receipt{
		ID:           uuid.New(),
		State:        models.StateBrandValidated,
		RawText:      "CARREFOUR\nBaguette 1,15€",
		VectorizedAt: &now,
	}
	winnerLines := []models.ReceiptLine{
		{ID: uuid.New(), ReceiptID: receipt.ID, LineNumber: 1, RawText: "CARREFOUR", Validation: models.ValidationPending},
		{ID: uuid.New(), ReceiptID: receipt.ID, LineNumber: 2, RawText: "Baguette 1,15€", Validation: models.ValidationPending},
	}

	catalogStore.On("ListAliases", mock.Anything).Return([]models.BrandAlias{
		{ID: aliasID, BrandID: brand.ID, Alias: "carrefour", Brand: brand},
	}, nil)
	sink.On("Append", mock.Anything, mock.AnythingOfType("*models.ProcessingEvent")).Return(nil)
	sink.On("Finish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	receipts.On("GetByID", mock.Anything, receipt.ID).Return(receipt, nil)
	receipts.On("UpdateState", mock.Anything, receipt.ID, models.StateBrandValidated, models.StateProductsToValidate).Return(nil)
	receipts.On("UpdateState", mock.Anything, receipt.ID, models.StateProductsToValidate, models.StateProductsValidated).Return(nil)
	receipts.On("SetTiming", mock.Anything, receipt.ID, "t_parse_ms", mock.Anything).Return(nil)

	// Nothing persisted at the pre-insert check, then the insert loses the
	// race against a concurrent pass, then its lines become visible
	lines.On("ListForReceipt", mock.Anything, receipt.ID).Return([]models.ReceiptLine{}, nil).Once()
	lines.On("CreateBatch", mock.Anything, mock.AnythingOfType("[]models.ReceiptLine")).Return(repositories.ErrDuplicateLine)
	lines.On("ListForReceipt", mock.Anything, receipt.ID).Return(winnerLines, nil)
	lines.On("MarkVectorized", mock.Anything, mock.Anything).Return(nil)
	lines.On("UpdateExtraction", mock.Anything, mock.AnythingOfType("*models.ReceiptLine")).Return(nil)
	lines.On("CountPending", mock.Anything, receipt.ID).Return(int64(0), nil)

	require.NoError(t, svc.ProcessReceipt(context.Background(), receipt.ID))
	require.Equal(t, models.StateProductsValidated, receipt.State)

	// A healthy receipt is never failed over a lost insert race
	receipts.AssertNotCalled(t, "UpdateState", mock.Anything, mock.Anything, mock.Anything, models.StateError)
	lines.AssertNumberOfCalls(t, "CreateBatch", 1)
	receipts.AssertExpectations(t)
	lines.AssertExpectations(t)
}

func TestFinalizeWaitsForPendingLines(t *testing.T) {
	receipts := new(MockReceiptStore)
	lines := new(MockLineStore)
	catalogStore := new(MockCatalogStore)
	sink := new(MockEventSink)
	store := newSeededStore(t, nil, 3)
	svc := newTestService(receipts, lines, catalogStore, sink, []float64{1, 0, 0}, store)

	receipt := &models.Receipt{ID: uuid.New(), State: models.StateProductsToValidate}

	receipts.On("GetByID", mock.Anything, receipt.ID).Return(receipt, nil)
	lines.On("CountPending", mock.Anything, receipt.ID).Return(int64(2), nil)

	require.NoError(t, svc.ProcessReceipt(context.Background(), receipt.ID))
	require.Equal(t, models.StateProductsToValidate, receipt.State)
	receipts.AssertNotCalled(t, "UpdateState", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStaleStateWriteStandsDown(t *testing.T) {
	receipts := new(MockReceiptStore)
	lines := new(MockLineStore)
	catalogStore := new(MockCatalogStore)
	sink := new(MockEventSink)
	store := newSeededStore(t, nil, 3)
	svc := newTestService(receipts, lines, catalogStore, sink, []float64{1, 0, 0}, store)

	receipt := &models.Receipt{
		ID:      uuid.New(),
		State:   models.StateIngested,
		RawText: "CARREFOUR\nBaguette 1,15€",
	}

	sink.On("Append", mock.Anything, mock.AnythingOfType("*models.ProcessingEvent")).Return(nil)
	sink.On("Finish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	receipts.On("GetByID", mock.Anything, receipt.ID).Return(receipt, nil)
	receipts.On("SetEmbeddingProvenance", mock.Anything, receipt.ID, "stub-model", 3, mock.Anything).Return(nil)
	receipts.On("UpdateState", mock.Anything, receipt.ID, models.StateIngested, models.StateBrandToValidate).
		Return(repositories.ErrStaleState)

	require.NoError(t, svc.ProcessReceipt(context.Background(), receipt.ID))

	// The losing pass leaves the receipt to its new owner
	require.Equal(t, models.StateIngested, receipt.State)
	receipts.AssertNotCalled(t, "UpdateState", mock.Anything, mock.Anything, mock.Anything, models.StateError)
	receipts.AssertExpectations(t)
}

package pipeline

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/receiptops/internal/models"
)

func parseLine(raw string) *models.ReceiptLine {
	line := &models.ReceiptLine{
		ID:         uuid.New(),
		ReceiptID:  uuid.New(),
		LineNumber: 1,
		RawText:    raw,
		Validation: models.ValidationPending,
	}
	NewLineResolver().Parse(line)
	return line
}

func TestExtractNumbersLinesFromOne(t *testing.T) {
	receiptID := uuid.New()
	lines := NewLineResolver().Extract(receiptID, "CARREFOUR MARKET\r\nBaguette 1,15€\n2x Lait 2,30€\n")

	require.Len(t, lines, 3)
	for i, line := range lines {
		require.Equal(t, i+1, line.LineNumber)
		require.Equal(t, receiptID, line.ReceiptID)
		require.Equal(t, models.ValidationPending, line.Validation)
	}
	require.Equal(t, "CARREFOUR MARKET", lines[0].RawText)
	require.Equal(t, "2x Lait 2,30€", lines[2].RawText)
}

func TestExtractEmptyText(t *testing.T) {
	require.Nil(t, NewLineResolver().Extract(uuid.New(), ""))
	require.Nil(t, NewLineResolver().Extract(uuid.New(), "\n\n"))
}

func TestParseQuantityPrefixAndPriceSuffix(t *testing.T) {
	line := parseLine("2x Lait Entier 1L 2,30€")

	require.NotNil(t, line.Quantity)
	require.Equal(t, 2.0, *line.Quantity)
	require.NotNil(t, line.Price)
	require.Equal(t, 2.30, *line.Price)
	require.Equal(t, "1L", line.Unit)
	require.Equal(t, "Lait Entier", line.ItemName)
	require.Equal(t, "dairy", line.Category)
}

func TestParseCommaDecimalQuantity(t *testing.T) {
	line := parseLine("1,5x Pommes Golden 3,45€")

	require.NotNil(t, line.Quantity)
	require.Equal(t, 1.5, *line.Quantity)
	require.NotNil(t, line.Price)
	require.Equal(t, 3.45, *line.Price)
	require.Equal(t, "Pommes Golden", line.ItemName)
	require.Equal(t, "produce", line.Category)
}

func TestParseMissingQuantityStaysNil(t *testing.T) {
	// Unknown quantity is preserved as null, never collapsed into 1
	line := parseLine("Baguette 1,15€")

	require.Nil(t, line.Quantity)
	require.NotNil(t, line.Price)
	require.Equal(t, 1.15, *line.Price)
	require.Equal(t, "Baguette", line.ItemName)
	require.Equal(t, "bakery", line.Category)
}

func TestParseUnitWithoutCountAssumesSingleItem(t *testing.T) {
	line := parseLine("Coca Cola 1l 1,99")

	require.Equal(t, "1l", line.Unit)
	require.NotNil(t, line.Quantity)
	require.Equal(t, 1.0, *line.Quantity)
	require.Equal(t, "Coca Cola", line.ItemName)
	require.Equal(t, "beverage", line.Category)
}

func TestParsePriceWithoutCurrencySymbol(t *testing.T) {
	line := parseLine("Jambon Blanc 4,85")

	require.NotNil(t, line.Price)
	require.Equal(t, 4.85, *line.Price)
	require.Equal(t, "Jambon Blanc", line.ItemName)
	require.Equal(t, "meat", line.Category)
}

func TestParseAccentedKeyword(t *testing.T) {
	line := parseLine("Crème Fraîche 500g 1,75€")

	require.Equal(t, "dairy", line.Category)
	require.Equal(t, "500g", line.Unit)
}

func TestParseUppercaseMarkers(t *testing.T) {
	line := parseLine("2X LAIT ENTIER 1L 2,30 EUR")

	require.NotNil(t, line.Quantity)
	require.Equal(t, 2.0, *line.Quantity)
	require.NotNil(t, line.Price)
	require.Equal(t, 2.30, *line.Price)
	require.Equal(t, "1L", line.Unit)
	require.Equal(t, "LAIT ENTIER", line.ItemName)
}

func TestParseMultibyteNameKeepsOffsetsAligned(t *testing.T) {
	// 'İ' grows from two bytes to three under lowercasing, so any match
	// offsets computed on a lowered copy would slice the original mid-rune
	line := parseLine("İstanbul Kebab 5,50€")

	require.NotNil(t, line.Price)
	require.Equal(t, 5.50, *line.Price)
	require.Equal(t, "İstanbul Kebab", line.ItemName)
}

func TestVerdictRejectsEmptyName(t *testing.T) {
	resolver := NewLineResolver()

	line := parseLine("2,30€")
	require.Equal(t, "", line.ItemName)
	require.Equal(t, models.ValidationRejected, resolver.Verdict(line))
}

func TestVerdictRejectsNameWithoutCorroboration(t *testing.T) {
	resolver := NewLineResolver()

	line := parseLine("xqzwv blorp")
	require.NotEmpty(t, line.ItemName)
	require.Equal(t, "", line.Category)
	require.Nil(t, line.Price)
	require.Nil(t, line.Quantity)
	require.Equal(t, models.ValidationRejected, resolver.Verdict(line))
}

func TestVerdictValidatesOnCategoryAlone(t *testing.T) {
	resolver := NewLineResolver()

	line := parseLine("Pain de campagne")
	require.Equal(t, "bakery", line.Category)
	require.Nil(t, line.Price)
	require.Nil(t, line.Quantity)
	require.Equal(t, models.ValidationValidated, resolver.Verdict(line))
}

func TestVerdictValidatesOnPriceAlone(t *testing.T) {
	resolver := NewLineResolver()

	line := parseLine("Produit Mystere 9,99€")
	require.Equal(t, "", line.Category)
	require.NotNil(t, line.Price)
	require.Equal(t, models.ValidationValidated, resolver.Verdict(line))
}

package pipeline

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"example.com/receiptops/internal/models"
)

var (
	// quantity prefix: "2x ", "1,5 x ", "3× "
	quantityPrefixRe = regexp.MustCompile(`(?i)^\s*(\d+(?:[.,]\d+)?)\s*[x×]\s*`)
	// trailing price: "1,15€", "2.30 EUR", "0,99"
	priceSuffixRe = regexp.MustCompile(`(?i)(\d+[.,]\d{2})\s*(?:€|eur)?\s*$`)
	// measurement unit embedded in the description: "1L", "500g", "75cl"
	unitRe = regexp.MustCompile(`(?i)\b(\d+(?:[.,]\d+)?\s?(?:kg|g|l|cl|ml))\b`)
)

// categoryKeywords backs the item-category heuristic. Keys are the category
// names exposed downstream; values are normalized keywords.
var categoryKeywords = map[string][]string{
	"bakery":    {"pain", "baguette", "croissant", "brioche", "viennoiserie"},
	"beverage":  {"eau", "jus", "soda", "cola", "vin", "biere", "bière", "cafe", "café", "the", "thé"},
	"dairy":     {"lait", "fromage", "yaourt", "beurre", "creme", "crème", "oeuf", "œuf"},
	"fish":      {"saumon", "thon", "poisson", "crevette"},
	"household": {"lessive", "savon", "shampoing", "papier", "mouchoir"},
	"meat":      {"poulet", "boeuf", "bœuf", "porc", "jambon", "steak", "saucisse"},
	"produce":   {"pomme", "banane", "tomate", "salade", "carotte", "legume", "légume", "fruit"},
	"snacks":    {"chips", "chocolat", "biscuit", "bonbon", "gateau", "gâteau"},
}

// categoryNames is the deterministic evaluation order of the heuristic
var categoryNames = func() []string {
	names := make([]string, 0, len(categoryKeywords))
	for name := range categoryKeywords {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}()

// LineResolver splits receipt text into ordered line drafts and extracts the
// structured fields of each line
type LineResolver struct{}

// NewLineResolver creates a line resolver
func NewLineResolver() *LineResolver {
	return &LineResolver{}
}

// Extract splits the receipt text into physical lines with stable sequential
// line numbers starting at 1
func (e *LineResolver) Extract(receiptID uuid.UUID, rawText string) []models.ReceiptLine {
	raw := strings.ReplaceAll(rawText, "\r\n", "\n")
	raw = strings.TrimRight(raw, "\n")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, "\n")
	lines := make([]models.ReceiptLine, 0, len(parts))
	for i, part := range parts {
		lines = append(lines, models.ReceiptLine{
			ID:         uuid.New(),
			ReceiptID:  receiptID,
			LineNumber: i + 1,
			RawText:    part,
			Validation: models.ValidationPending,
		})
	}
	return lines
}

// Parse extracts item name, quantity, unit, price and category from the raw
// line text. A missing quantity token stays nil: unknown is never collapsed
// into 1. The single exception is a measurement unit with no leading count,
// where the heuristic sets 1.0.
func (e *LineResolver) Parse(line *models.ReceiptLine) {
	text := strings.TrimSpace(line.RawText)

	if m := quantityPrefixRe.FindStringSubmatch(text); m != nil {
		if qty, err := parseDecimal(m[1]); err == nil {
			line.Quantity = &qty
			text = strings.TrimSpace(text[len(m[0]):])
		}
	}

	// Case folding happens inside the patterns: indexes computed on a
	// lowered copy would not be safe to slice the original with
	if idx := priceSuffixRe.FindStringSubmatchIndex(text); idx != nil {
		if price, err := parseDecimal(text[idx[2]:idx[3]]); err == nil {
			line.Price = &price
			text = strings.TrimSpace(text[:idx[0]])
		}
	}

	if idx := unitRe.FindStringIndex(text); idx != nil {
		line.Unit = strings.ReplaceAll(text[idx[0]:idx[1]], " ", "")
		text = strings.TrimSpace(text[:idx[0]] + text[idx[1]:])
		if line.Quantity == nil {
			// unit without a leading count: assume a single item
			one := 1.0
			line.Quantity = &one
		}
	}

	line.ItemName = strings.TrimSpace(text)
	line.Category = categorize(line.ItemName)
}

// Verdict decides the validation outcome of a parsed line. A line without a
// recoverable item name is rejected; a named line is validated once any
// corroborating signal (category, price or quantity) is present.
func (e *LineResolver) Verdict(line *models.ReceiptLine) models.LineValidation {
	if line.ItemName == "" {
		return models.ValidationRejected
	}
	if line.Category != "" || line.Price != nil || line.Quantity != nil {
		return models.ValidationValidated
	}
	return models.ValidationRejected
}

func categorize(name string) string {
	norm := normalize(name)
	if norm == "" {
		return ""
	}
	tokens := strings.Fields(norm)
	for _, category := range categoryNames {
		for _, keyword := range categoryKeywords[category] {
			for _, token := range tokens {
				// simple plural: "pommes" matches "pomme"
				if token == keyword || token == keyword+"s" {
					return category
				}
			}
		}
	}
	return ""
}

func parseDecimal(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
}

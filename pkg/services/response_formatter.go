package services

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"pharmacy-ai-api/pkg/models"
)

const (
	TypeSearchResults = "enhanced_search_results"
	TypeNoMatches     = "enhanced_no_matches"

	defaultShowLimit = 3
	showMoreLimit    = 15
	maxSuggestions   = 5
)

var showNumberPattern = regexp.MustCompile(`\bshow\s+(\d+)\b`)

// ParseShowLimit はクエリ中の「show all」「show N」「show more」「show less」から表示件数を決めます。
func ParseShowLimit(query string, total int) int {
	q := normalizeText(query)
	padded := " " + q + " "
	switch {
	case containsPhrase(padded, "show all"):
		return total
	case containsPhrase(padded, "show more"):
		return minInt(showMoreLimit, total)
	case containsPhrase(padded, "show less"):
		return 1
	}
	if m := showNumberPattern.FindStringSubmatch(q); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	return defaultShowLimit
}

// StockStatus は在庫数から表示用の在庫状態を返します。
func StockStatus(quantity int) string {
	switch {
	case quantity <= 0:
		return "Out of Stock"
	case quantity <= LowStockThreshold:
		return "Low Stock"
	default:
		return "In Stock"
	}
}

type medicalInfo struct {
	uses     string
	benefits string
}

var categoryInfo = map[string]medicalInfo{
	"pain_relief":    {"Relief of mild to moderate pain, headache and fever", "Fast-acting relief from pain and fever"},
	"antibiotics":    {"Treatment of bacterial infections (prescription required)", "Stops the growth of susceptible bacteria"},
	"vitamins":       {"Daily nutritional supplementation", "Supports immunity and overall wellness"},
	"blood_pressure": {"Management of hypertension", "Helps keep blood pressure within target range"},
	"cough_cold":     {"Relief of cough, colds and nasal congestion", "Eases breathing and soothes the throat"},
	"allergy":        {"Relief of allergy symptoms such as sneezing and itching", "Reduces allergic reactions"},
	"diabetes":       {"Management of blood sugar in type 2 diabetes", "Helps control glucose levels"},
	"digestive":      {"Relief of acidity, diarrhea and indigestion", "Restores digestive comfort"},
	"skin_care":      {"Care and treatment of skin irritation", "Soothes and protects the skin"},
	"first_aid":      {"Cleaning and dressing of minor wounds", "Helps prevent infection of cuts and scrapes"},
	"respiratory":    {"Relief of asthma and breathing difficulty", "Opens the airways"},
	"cholesterol":    {"Management of high cholesterol", "Supports heart health"},
}

var defaultInfo = medicalInfo{"Consult the pharmacist for proper use", "Quality pharmacy product"}

func infoFor(p *models.ProductEntry) medicalInfo {
	for _, c := range p.AICategories {
		if info, ok := categoryInfo[c]; ok {
			return info
		}
	}
	return defaultInfo
}

// ResponseFormatter はランク付け結果をチャット応答ペイロードに変換します。
type ResponseFormatter struct{}

// NewResponseFormatter は新しいResponseFormatterを生成します。
func NewResponseFormatter() *ResponseFormatter {
	return &ResponseFormatter{}
}

// Format builds the chat payload. snap is used for fallback suggestions when nothing matched.
func (f *ResponseFormatter) Format(ranked *RankedResult, snap *InventorySnapshot) *models.ChatPayload {
	total := len(ranked.Products)
	limit := ParseShowLimit(ranked.Query, total)
	showing := minInt(limit, total)

	payload := &models.ChatPayload{
		Data:         make([]models.ProductResult, 0, showing),
		TotalMatches: total,
		ShowLimit:    limit,
		Confidence:   confidence(ranked),
		SearchAnalysis: models.SearchAnalysis{
			OriginalQuery:        ranked.Query,
			ExtractedName:        ranked.ExtractedName,
			DetectedCategories:   ranked.Categories,
			SearchStrategiesUsed: ranked.StrategiesUsed(),
		},
		Pagination: models.Pagination{
			Showing:   showing,
			Total:     total,
			Remaining: total - showing,
		},
	}

	if total == 0 {
		payload.Type = TypeNoMatches
		payload.Suggestions = suggestions(ranked.Categories, snap)
		payload.Message = noMatchMessage(ranked, payload.Suggestions)
		return payload
	}

	payload.Type = TypeSearchResults
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d matching product%s for \"%s\":\n", total, plural(total), strings.TrimSpace(ranked.Query))
	for i, p := range ranked.Products[:showing] {
		info := infoFor(p)
		status := StockStatus(p.Quantity)
		payload.Data = append(payload.Data, models.ProductResult{
			ProductEntry: *p,
			StockStatus:  status,
			Uses:         info.uses,
			Benefits:     info.benefits,
		})
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, p.Name)
		fmt.Fprintf(&b, "   Stock: %d units (%s)\n", p.Quantity, status)
		if p.UnitPrice > 0 {
			fmt.Fprintf(&b, "   Price: ₱%.2f\n", p.UnitPrice)
		}
		if p.Location != "" {
			fmt.Fprintf(&b, "   Location: %s\n", p.Location)
		}
		fmt.Fprintf(&b, "   Uses: %s\n", info.uses)
		fmt.Fprintf(&b, "   Benefits: %s\n", info.benefits)
	}
	if payload.Pagination.Remaining > 0 {
		payload.Pagination.Suggestion = fmt.Sprintf("Say \"show more\" or \"show all\" to see the other %d product%s.", payload.Pagination.Remaining, plural(payload.Pagination.Remaining))
		fmt.Fprintf(&b, "\n%s", payload.Pagination.Suggestion)
	}
	payload.Message = strings.TrimRight(b.String(), "\n")
	return payload
}

func noMatchMessage(ranked *RankedResult, suggestions []string) string {
	var b strings.Builder
	switch stateTag(ranked.Categories) {
	case TagOutOfStock:
		b.WriteString("Good news: all items are currently in stock. No products are out of stock.")
	case TagLowStock:
		b.WriteString("No products are running low on stock right now.")
	case TagAvailableItems, TagStockReport:
		b.WriteString("No products are available in the inventory right now.")
	default:
		fmt.Fprintf(&b, "Sorry, I couldn't find any product matching \"%s\".", strings.TrimSpace(ranked.Query))
	}
	if len(suggestions) > 0 {
		b.WriteString("\n\nYou may want to check:")
		for i, s := range suggestions {
			fmt.Fprintf(&b, "\n%d. %s", i+1, s)
		}
	}
	return b.String()
}

// suggestions はまず最初に検出されたカテゴリの商品、なければ在庫ありの商品から最大5件を選びます。
func suggestions(categories []string, snap *InventorySnapshot) []string {
	if snap == nil {
		return nil
	}
	var first string
	for _, c := range categories {
		if c != TagOthers && !IsStateTag(c) {
			first = c
			break
		}
	}
	out := []string{}
	if first != "" {
		for _, p := range snap.List() {
			if p.HasCategory(first) && p.Quantity > 0 {
				out = append(out, p.Name)
				if len(out) == maxSuggestions {
					return out
				}
			}
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, p := range snap.List() {
		if p.Quantity > 0 {
			out = append(out, p.Name)
			if len(out) == maxSuggestions {
				break
			}
		}
	}
	return out
}

// confidence derives a 0..1 score from the tier of the top result.
func confidence(r *RankedResult) float64 {
	if len(r.Products) == 0 {
		return 0
	}
	top := r.Products[0].Name
	switch tier := r.Tiers[top]; tier {
	case -1:
		return 0.95
	case 0:
		return 0.95
	case 1, 2:
		return 0.85
	case 3, 4:
		s := r.SemanticScores[top]
		if k, ok := r.KeywordScores[top]; ok && k > s {
			s = k
		}
		return clamp01(0.5 + s/2)
	default:
		return 0.6
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

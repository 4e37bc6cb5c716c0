package models

// ProductEntry is one product of the in-memory inventory snapshot.
type ProductEntry struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	Quantity     int      `json:"quantity"` // 常に0以上
	CostPrice    float64  `json:"cost_price"`
	UnitPrice    float64  `json:"unit_price"`
	Category     string   `json:"category"`      // DB上のカテゴリ名
	Location     string   `json:"location"`      // 棚・保管場所
	AICategories []string `json:"ai_categories"` // シノニム設定から導出したカテゴリタグ（ソート済み）
	IsAntibiotic bool     `json:"is_antibiotic"`
	IsPainRelief bool     `json:"is_pain_relief"`
	IsVitamin    bool     `json:"is_vitamin"`
}

// HasCategory reports whether the product carries the given AI category tag.
func (p *ProductEntry) HasCategory(tag string) bool {
	for _, c := range p.AICategories {
		if c == tag {
			return true
		}
	}
	return false
}

// ChatRequest represents an incoming chat request
type ChatRequest struct {
	Message    string `json:"message" binding:"required"`
	PharmacyID int64  `json:"pharmacy_id"`
	UserID     int64  `json:"user_id,omitempty"`
}

// ChatResponse represents the response from the chat API
type ChatResponse struct {
	Success  bool         `json:"success"`
	Response *ChatPayload `json:"response"`
}

// ChatPayload is the structured answer of the enhanced chat endpoint.
type ChatPayload struct {
	Message        string          `json:"message"`
	Type           string          `json:"type"` // enhanced_search_results / enhanced_no_matches
	Data           []ProductResult `json:"data"`
	TotalMatches   int             `json:"total_matches"`
	ShowLimit      int             `json:"show_limit"`
	Confidence     float64         `json:"confidence"`
	SearchAnalysis SearchAnalysis  `json:"search_analysis"`
	Pagination     Pagination      `json:"pagination"`
	Suggestions    []string        `json:"suggestions,omitempty"`
}

// ProductResult は応答に含める商品情報（在庫状態と用途説明付き）
type ProductResult struct {
	ProductEntry
	StockStatus string `json:"stock_status"`
	Uses        string `json:"uses"`
	Benefits    string `json:"benefits"`
}

// SearchAnalysis describes how the query was interpreted.
type SearchAnalysis struct {
	OriginalQuery        string   `json:"original_query"`
	ExtractedName        string   `json:"extracted_name,omitempty"`
	DetectedCategories   []string `json:"detected_categories"`
	SearchStrategiesUsed int      `json:"search_strategies_used"`
}

// Pagination ページング情報
type Pagination struct {
	Showing    int    `json:"showing"`
	Total      int    `json:"total"`
	Remaining  int    `json:"remaining"`
	Suggestion string `json:"suggestion,omitempty"`
}

// FeedbackRequest is a user rating of a chat answer. Score is in [0, 1].
type FeedbackRequest struct {
	PharmacyID int64    `json:"pharmacy_id"`
	Score      *float64 `json:"score" binding:"required"`
}

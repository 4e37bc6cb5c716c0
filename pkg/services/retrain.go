package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	config "pharmacy-ai-api/configs"
	"pharmacy-ai-api/pkg/models"

	"github.com/rs/zerolog"
)

const maxPromotedNamesPerToken = 10

// ErrRegressionFailed is returned when at least one regression case fails.
var ErrRegressionFailed = errors.New("retrieval regression failed")

// MetricsReader は永続化済み日次指標の読み出し元です。
type MetricsReader interface {
	ListDailyMetrics(ctx context.Context, since string, pharmacyID int64) ([]models.DailyMetrics, error)
}

// RetrainOptions configures one retrain run.
type RetrainOptions struct {
	LookbackDays    int
	MinTokenCount   int
	PharmacyID      int64 // 0 reads every pharmacy
	RegressionCases []config.RegressionCase
	RefreshEndpoint string
	ServiceToken    string
	DryRun          bool
	// Progress, when set, is called once per step with a short label.
	Progress func(step string)
}

// RegressionResult is the outcome of one regression case.
type RegressionResult struct {
	Case   config.RegressionCase `json:"case"`
	Passed bool                  `json:"passed"`
	Top    []string              `json:"top"`
	Reason string                `json:"reason,omitempty"`
}

// RetrainReport summarises a retrain run.
type RetrainReport struct {
	Since      string              `json:"since"`
	RowsRead   int                 `json:"rows_read"`
	Candidates []models.TermCount  `json:"candidates"`
	Promoted   map[string][]string `json:"promoted"`
	Changed    bool                `json:"changed"`
	BackupPath string              `json:"backup_path,omitempty"`
	Indexed    int                 `json:"indexed"`
	Regression []RegressionResult  `json:"regression"`
	Refreshed  bool                `json:"refreshed"`
}

// RetrainWorkflow は未一致トークンからキーワード上書きを昇格させ、索引を再構築するオフラインジョブです。
type RetrainWorkflow struct {
	metrics  MetricsReader
	catalog  ProductSource
	synonyms *SynonymStore
	engines  *RetrievalEngines
	ranker   *RetrievalRanker
	client   *http.Client
	log      zerolog.Logger
	now      func() time.Time
}

// NewRetrainWorkflow は新しいRetrainWorkflowを生成します。
func NewRetrainWorkflow(metrics MetricsReader, catalog ProductSource, synonyms *SynonymStore, engines *RetrievalEngines, ranker *RetrievalRanker, log zerolog.Logger) *RetrainWorkflow {
	return &RetrainWorkflow{
		metrics:  metrics,
		catalog:  catalog,
		synonyms: synonyms,
		engines:  engines,
		ranker:   ranker,
		client:   &http.Client{Timeout: 15 * time.Second},
		log:      log,
		now:      time.Now,
	}
}

// Run はリトレーニングの全ステップを実行します。回帰テスト失敗時は ErrRegressionFailed を返します。
func (w *RetrainWorkflow) Run(ctx context.Context, opts RetrainOptions) (*RetrainReport, error) {
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 14
	}
	if opts.MinTokenCount <= 0 {
		opts.MinTokenCount = 3
	}
	step := func(s string) {
		if opts.Progress != nil {
			opts.Progress(s)
		}
	}

	report := &RetrainReport{
		Since:    w.now().AddDate(0, 0, -opts.LookbackDays).Format("2006-01-02"),
		Promoted: map[string][]string{},
	}

	// 1. 指標の読み込み
	step("read metrics")
	rows, err := w.metrics.ListDailyMetrics(ctx, report.Since, opts.PharmacyID)
	if err != nil {
		return report, fmt.Errorf("read daily metrics: %w", err)
	}
	report.RowsRead = len(rows)
	report.Candidates = qualifyingTokens(rows, opts.MinTokenCount)

	// 2. 候補トークンと商品名の照合
	step("match catalog")
	names, owners, err := w.catalogNames(ctx, rows, opts.RegressionCases)
	if err != nil {
		return report, err
	}
	proposals := proposeOverrides(report.Candidates, names)

	// 3. 設定の書き換え
	step("update synonyms")
	current := w.synonyms.Get()
	merged, changed := mergeOverrides(current, proposals)
	report.Changed = changed
	for token, list := range proposals {
		report.Promoted[token] = list
	}
	if changed && !opts.DryRun {
		backup, err := w.synonyms.Save(merged, w.now())
		if err != nil {
			return report, fmt.Errorf("write synonym config: %w", err)
		}
		report.BackupPath = backup
		w.log.Info().Int("tokens", len(proposals)).Str("backup", backup).Msg("keyword overrides promoted")
	}

	// 4. 在庫と索引の再構築
	step("rebuild indices")
	for _, pid := range pharmacyIDs(rows, opts.RegressionCases) {
		if _, err := w.engines.ForceRefresh(ctx, pid); err != nil {
			return report, fmt.Errorf("rebuild pharmacy %d: %w", pid, err)
		}
		report.Indexed += w.engines.Get(ctx, pid).Snapshot().Len()
	}

	// 5. 回帰テスト
	step("regression")
	cases := opts.RegressionCases
	if changed && !opts.DryRun {
		cases = append(append([]config.RegressionCase(nil), cases...), promotionCases(merged, proposals, owners)...)
	}
	report.Regression = w.runRegression(ctx, cases)
	for _, r := range report.Regression {
		if !r.Passed {
			return report, fmt.Errorf("%w: %q %s", ErrRegressionFailed, r.Case.Query, r.Reason)
		}
	}

	// 6. サーバーへのキャッシュ更新通知
	step("signal refresh")
	if opts.DryRun || opts.RefreshEndpoint == "" {
		return report, nil
	}
	if err := w.signalRefresh(ctx, opts.RefreshEndpoint, opts.ServiceToken); err != nil {
		return report, err
	}
	report.Refreshed = true
	return report, nil
}

// qualifyingTokens sums unmatched tokens over rows and keeps those with count >= minCount.
func qualifyingTokens(rows []models.DailyMetrics, minCount int) []models.TermCount {
	totals := map[string]int{}
	for _, r := range rows {
		for _, tc := range r.TopUnmatchedTokens {
			if t := strings.ToLower(strings.TrimSpace(tc.Term)); t != "" {
				totals[t] += tc.Count
			}
		}
	}
	out := make([]models.TermCount, 0, len(totals))
	for _, tc := range topCounts(totals, len(totals)) {
		if tc.Count >= minCount {
			out = append(out, tc)
		}
	}
	return out
}

// proposeOverrides maps each token to at most 10 product names containing it.
func proposeOverrides(tokens []models.TermCount, names []string) map[string][]string {
	out := map[string][]string{}
	for _, tc := range tokens {
		var matched []string
		for _, n := range names {
			if strings.Contains(strings.ToLower(n), tc.Term) {
				matched = append(matched, n)
				if len(matched) == maxPromotedNamesPerToken {
					break
				}
			}
		}
		if len(matched) > 0 {
			out[tc.Term] = matched
		}
	}
	return out
}

// mergeOverrides adds proposals to a copy of cfg, keeping existing entries first.
func mergeOverrides(cfg *SynonymConfig, proposals map[string][]string) (*SynonymConfig, bool) {
	merged := cfg.Clone()
	changed := false
	for token, names := range proposals {
		existing := merged.KeywordOverrides[token]
		for _, n := range names {
			if !containsFold(existing, n) {
				existing = append(existing, n)
				changed = true
			}
		}
		merged.KeywordOverrides[token] = existing
	}
	return merged, changed
}

// catalogNames returns the distinct active product names and, per lowercased name,
// the first pharmacy that stocks it.
func (w *RetrainWorkflow) catalogNames(ctx context.Context, rows []models.DailyMetrics, cases []config.RegressionCase) ([]string, map[string]int64, error) {
	owners := map[string]int64{}
	var names []string
	for _, pid := range pharmacyIDs(rows, cases) {
		products, err := w.catalog.ListActiveProducts(ctx, pid)
		if err != nil {
			return nil, nil, fmt.Errorf("load catalog of pharmacy %d: %w", pid, err)
		}
		for _, p := range products {
			key := strings.ToLower(strings.TrimSpace(p.Name))
			if _, seen := owners[key]; key == "" || seen {
				continue
			}
			owners[key] = pid
			names = append(names, strings.TrimSpace(p.Name))
		}
	}
	sort.Slice(names, func(i, j int) bool { return strings.ToLower(names[i]) < strings.ToLower(names[j]) })
	return names, owners, nil
}

// promotionCases checks that each promoted token now ranks its first stocked override product first.
func promotionCases(cfg *SynonymConfig, proposals map[string][]string, owners map[string]int64) []config.RegressionCase {
	tokens := make([]string, 0, len(proposals))
	for t := range proposals {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)

	var out []config.RegressionCase
	for _, t := range tokens {
		for _, name := range cfg.KeywordOverrides[t] {
			pid, ok := owners[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				continue
			}
			out = append(out, config.RegressionCase{Query: t, PharmacyID: pid, Expect: name, Within: 1})
			break
		}
	}
	return out
}

func pharmacyIDs(rows []models.DailyMetrics, cases []config.RegressionCase) []int64 {
	set := map[int64]bool{}
	for _, r := range rows {
		set[r.PharmacyID] = true
	}
	for _, c := range cases {
		set[c.PharmacyID] = true
	}
	if len(set) == 0 {
		set[1] = true
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (w *RetrainWorkflow) runRegression(ctx context.Context, cases []config.RegressionCase) []RegressionResult {
	out := make([]RegressionResult, 0, len(cases))
	for _, c := range cases {
		ranked := w.ranker.Rank(ctx, w.engines.Synced(ctx, c.PharmacyID), c.Query, 0)
		res := RegressionResult{Case: c, Passed: true}
		for i, p := range ranked.Products {
			if i == c.Within {
				break
			}
			res.Top = append(res.Top, p.Name)
		}
		switch {
		case c.ExpectEmpty && len(ranked.Products) > 0:
			res.Passed = false
			res.Reason = fmt.Sprintf("expected no matches, got %d", len(ranked.Products))
		case !c.ExpectEmpty && c.Expect != "" && !containsFold(res.Top, c.Expect):
			res.Passed = false
			res.Reason = fmt.Sprintf("expected %q within top %d, got %v", c.Expect, c.Within, res.Top)
		}
		out = append(out, res)
	}
	return out
}

// signalRefresh は稼働中のサーバーにキャッシュ更新を依頼します。
func (w *RetrainWorkflow) signalRefresh(ctx context.Context, endpoint, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("signal refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("signal refresh: unexpected status %d", resp.StatusCode)
	}
	w.log.Info().Str("endpoint", endpoint).Msg("cache refresh signalled")
	return nil
}

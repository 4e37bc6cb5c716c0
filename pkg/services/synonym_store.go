package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// SynonymConfig はカテゴリ・ブランド・キーワード上書きの3つのマップです。
type SynonymConfig struct {
	CategoryMappings map[string][]string `json:"category_mappings"`
	BrandMappings    map[string]string   `json:"brand_mappings"`
	KeywordOverrides map[string][]string `json:"keyword_overrides"`
}

// Categories はカテゴリ名をソートして返します。
func (c *SynonymConfig) Categories() []string {
	out := make([]string, 0, len(c.CategoryMappings))
	for k := range c.CategoryMappings {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Brands はブランド名をソートして返します。
func (c *SynonymConfig) Brands() []string {
	out := make([]string, 0, len(c.BrandMappings))
	for k := range c.BrandMappings {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// OverrideTokens はキーワード上書きのトークンをソートして返します。
func (c *SynonymConfig) OverrideTokens() []string {
	out := make([]string, 0, len(c.KeywordOverrides))
	for k := range c.KeywordOverrides {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CategoryForGeneric はジェネリック名を含むキーワードを持つカテゴリを返します。
func (c *SynonymConfig) CategoryForGeneric(generic string) string {
	generic = strings.ToLower(strings.TrimSpace(generic))
	if generic == "" {
		return ""
	}
	for _, cat := range c.Categories() {
		for _, kw := range c.CategoryMappings[cat] {
			if kw == generic || strings.Contains(generic, kw) || strings.Contains(kw, generic) {
				return cat
			}
		}
	}
	return ""
}

// Clone returns a deep copy.
func (c *SynonymConfig) Clone() *SynonymConfig {
	out := &SynonymConfig{
		CategoryMappings: make(map[string][]string, len(c.CategoryMappings)),
		BrandMappings:    make(map[string]string, len(c.BrandMappings)),
		KeywordOverrides: make(map[string][]string, len(c.KeywordOverrides)),
	}
	for k, v := range c.CategoryMappings {
		out.CategoryMappings[k] = append([]string(nil), v...)
	}
	for k, v := range c.BrandMappings {
		out.BrandMappings[k] = v
	}
	for k, v := range c.KeywordOverrides {
		out.KeywordOverrides[k] = append([]string(nil), v...)
	}
	return out
}

// normalize lowercases keys and category keywords. Override product names keep their case.
func (c *SynonymConfig) normalize() *SynonymConfig {
	out := &SynonymConfig{
		CategoryMappings: map[string][]string{},
		BrandMappings:    map[string]string{},
		KeywordOverrides: map[string][]string{},
	}
	for k, kws := range c.CategoryMappings {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		for _, kw := range kws {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && !containsString(out.CategoryMappings[key], kw) {
				out.CategoryMappings[key] = append(out.CategoryMappings[key], kw)
			}
		}
	}
	for brand, generic := range c.BrandMappings {
		b := strings.ToLower(strings.TrimSpace(brand))
		if b == "" {
			continue
		}
		out.BrandMappings[b] = strings.ToLower(strings.TrimSpace(generic))
	}
	for tok, names := range c.KeywordOverrides {
		t := strings.ToLower(strings.TrimSpace(tok))
		if t == "" {
			continue
		}
		for _, n := range names {
			n = strings.TrimSpace(n)
			if n != "" && !containsFold(out.KeywordOverrides[t], n) {
				out.KeywordOverrides[t] = append(out.KeywordOverrides[t], n)
			}
		}
	}
	return out
}

// DefaultSynonymConfig は同梱のデフォルト設定を返します。
func DefaultSynonymConfig() *SynonymConfig {
	return &SynonymConfig{
		CategoryMappings: map[string][]string{
			"pain_relief":    {"paracetamol", "ibuprofen", "mefenamic", "aspirin", "naproxen", "analgesic", "pain", "headache", "fever", "biogesic", "dolfenal", "alaxan", "advil"},
			"antibiotics":    {"amoxicillin", "cefalexin", "cephalexin", "azithromycin", "ciprofloxacin", "doxycycline", "clindamycin", "co-amoxiclav", "antibiotic", "bacterial", "infection"},
			"vitamins":       {"vitamin", "ascorbic", "multivitamin", "ceelin", "enervon", "centrum", "zinc", "ferrous", "supplement", "folic"},
			"blood_pressure": {"amlodipine", "losartan", "metoprolol", "captopril", "atenolol", "valsartan", "hypertension", "blood pressure"},
			"cough_cold":     {"cough", "colds", "carbocisteine", "ambroxol", "dextromethorphan", "phenylephrine", "neozep", "solmux", "bioflu", "decongestant"},
			"allergy":        {"cetirizine", "loratadine", "diphenhydramine", "antihistamine", "allerta", "allergy", "itch"},
			"diabetes":       {"metformin", "glimepiride", "gliclazide", "insulin", "diabetes"},
			"digestive":      {"omeprazole", "loperamide", "antacid", "kremil", "diatabs", "lactulose", "diarrhea", "stomach"},
			"skin_care":      {"hydrocortisone", "betamethasone", "clotrimazole", "ointment", "cream", "lotion", "rash"},
			"first_aid":      {"povidone", "betadine", "alcohol", "bandage", "gauze", "plaster", "antiseptic", "wound"},
			"respiratory":    {"salbutamol", "montelukast", "budesonide", "inhaler", "nebule", "asthma"},
			"cholesterol":    {"atorvastatin", "simvastatin", "rosuvastatin", "cholesterol", "statin"},
		},
		BrandMappings: map[string]string{
			"biogesic":   "paracetamol",
			"tylenol":    "paracetamol",
			"advil":      "ibuprofen",
			"alaxan":     "ibuprofen",
			"dolfenal":   "mefenamic acid",
			"norvasc":    "amlodipine",
			"amoxil":     "amoxicillin",
			"glucophage": "metformin",
			"ceelin":     "ascorbic acid",
		},
		KeywordOverrides: map[string][]string{},
	}
}

// SynonymStore はシノニム設定ファイルを管理し、mtime変更時にホットリロードします。
type SynonymStore struct {
	path    string
	current atomic.Pointer[SynonymConfig]
	mu      sync.Mutex // serialises reloads and writes
	modTime time.Time
	log     zerolog.Logger
}

// NewSynonymStore は設定を読み込んだSynonymStoreを返します。設定エラーで失敗することはありません。
func NewSynonymStore(path string, log zerolog.Logger) *SynonymStore {
	s := &SynonymStore{path: path, log: log}
	s.current.Store(DefaultSynonymConfig().normalize())
	s.Load(true)
	return s
}

// Path returns the config file path.
func (s *SynonymStore) Path() string { return s.path }

// Load はファイルを読み込みます。forceでない場合はmtimeが変わったときだけ差し替えます。
// 戻り値は設定が差し替えられたかどうかです。
func (s *SynonymStore) Load(force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return false
	}

	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		if err := s.writeDefaultLocked(); err != nil {
			s.log.Warn().Err(err).Str("path", s.path).Msg("could not write default synonym config")
			return false
		}
		info, err = os.Stat(s.path)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("synonym config stat failed")
		return false
	}

	if !force && info.ModTime().Equal(s.modTime) {
		return false
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("synonym config read failed")
		return false
	}

	var cfg SynonymConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("malformed synonym config, using defaults")
		s.current.Store(DefaultSynonymConfig().normalize())
		s.modTime = info.ModTime()
		return true
	}

	s.current.Store(cfg.normalize())
	s.modTime = info.ModTime()
	s.log.Info().
		Int("categories", len(cfg.CategoryMappings)).
		Int("brands", len(cfg.BrandMappings)).
		Int("overrides", len(cfg.KeywordOverrides)).
		Msg("synonym config loaded")
	return true
}

// Get は必要ならリロードしてから現在の設定を返します。返された設定は読み取り専用です。
func (s *SynonymStore) Get() *SynonymConfig {
	s.Load(false)
	return s.current.Load()
}

// Current returns the loaded config without checking the file.
func (s *SynonymStore) Current() *SynonymConfig {
	return s.current.Load()
}

// Save はファイルをタイムスタンプ付きでバックアップしてから一時ファイル経由で置き換え、再読み込みします。
// 戻り値はバックアップのパスです（元ファイルがなければ空）。
func (s *SynonymStore) Save(cfg *SynonymConfig, now time.Time) (string, error) {
	s.mu.Lock()
	backup := ""
	if old, err := os.ReadFile(s.path); err == nil {
		backup = fmt.Sprintf("%s.%s.bak", s.path, now.Format("20060102-150405"))
		if err := writeFileAtomic(backup, old, 0o644); err != nil {
			s.mu.Unlock()
			return "", fmt.Errorf("write backup: %w", err)
		}
	} else if !os.IsNotExist(err) {
		s.mu.Unlock()
		return "", fmt.Errorf("read current config: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return backup, fmt.Errorf("encode config: %w", err)
	}
	if err := writeFileAtomic(s.path, data, 0o644); err != nil {
		s.mu.Unlock()
		return backup, err
	}
	s.mu.Unlock()

	s.Load(true)
	return backup, nil
}

func (s *SynonymStore) writeDefaultLocked() error {
	data, err := json.MarshalIndent(DefaultSynonymConfig(), "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o644)
}

// writeFileAtomic writes to a temp file in the same directory and renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

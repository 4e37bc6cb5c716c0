// Package main seeds a demo pharmacy catalog and a sales history so the chat
// and forecasting endpoints have data to work with on a fresh database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	config "pharmacy-ai-api/configs"
	"pharmacy-ai-api/pkg/observability"
	"pharmacy-ai-api/pkg/store"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// errAlreadySeeded is returned when the pharmacy already has products.
var errAlreadySeeded = errors.New("pharmacy already has products")

type demoProduct struct {
	name     string
	category string
	unit     float64
	cost     float64
	stock    int
	location string
	base     int
}

var demoCatalog = []demoProduct{
	{"Biogesic 500mg Tablet", "Analgesics", 5.50, 3.20, 240, "Aisle 1", 18},
	{"Paracetamol 500mg Tablet", "Analgesics", 2.75, 1.40, 500, "Aisle 1", 25},
	{"Ibuprofen 200mg Capsule", "Analgesics", 6.00, 3.80, 180, "Aisle 1", 9},
	{"Amoxicillin 500mg Capsule", "Antibiotics", 12.00, 7.50, 120, "Shelf A", 6},
	{"Cetirizine 10mg Tablet", "Antihistamines", 8.25, 4.90, 160, "Aisle 2", 8},
	{"Loratadine 10mg Tablet", "Antihistamines", 9.00, 5.10, 90, "Aisle 2", 5},
	{"Amlodipine 5mg Tablet", "Cardiovascular", 11.50, 6.80, 75, "Shelf B", 7},
	{"Losartan 50mg Tablet", "Cardiovascular", 14.00, 8.20, 60, "Shelf B", 6},
	{"Metformin 500mg Tablet", "Diabetes", 4.50, 2.30, 300, "Shelf C", 12},
	{"Ceelin Syrup 60ml", "Vitamins", 95.00, 62.00, 40, "Aisle 3", 3},
	{"Ascorbic Acid 500mg Tablet", "Vitamins", 3.25, 1.60, 0, "Aisle 3", 10},
	{"Solmux 500mg Capsule", "Cough and Cold", 9.75, 5.60, 85, "Aisle 2", 7},
}

// recentDays of sales are written as completed sales, older days go to the
// daily history table the forecaster reads them from.
const recentDays = 30

type seedResult struct {
	Products   int
	Sales      int
	Historical int
}

// seedDemo inserts the demo catalog and days of sales ending the day before
// now. Weekends sell more so the forecasters have a weekly pattern.
func seedDemo(ctx context.Context, st *store.Store, pharmacyID int64, days int, now time.Time, force bool, log zerolog.Logger) (seedResult, error) {
	var res seedResult
	existing, err := st.ListProducts(ctx, pharmacyID)
	if err != nil {
		return res, fmt.Errorf("list products: %w", err)
	}
	if len(existing) > 0 && !force {
		return res, errAlreadySeeded
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := today.AddDate(0, 0, -days)
	cutoff := today.AddDate(0, 0, -recentDays)
	for i, p := range demoCatalog {
		id, err := st.InsertProduct(ctx, store.NewProduct{
			PharmacyID: pharmacyID,
			Name:       p.name,
			Category:   p.category,
			UnitPrice:  p.unit,
			CostPrice:  p.cost,
			Stock:      p.stock,
			Location:   p.location,
		})
		if err != nil {
			return res, err
		}
		res.Products++

		var history []store.HistoricalRow
		for d := 0; d < days; d++ {
			day := start.AddDate(0, 0, d)
			qty := demoQuantity(p.base, i, d, day.Weekday())
			if qty == 0 {
				continue
			}
			if day.Before(cutoff) {
				history = append(history, store.HistoricalRow{
					PharmacyID:   pharmacyID,
					ProductID:    id,
					SaleDate:     day.Format("2006-01-02"),
					QuantitySold: qty,
					TotalAmount:  float64(qty) * p.unit,
				})
				continue
			}
			ts := day.Add(time.Duration(9+(i+d)%10) * time.Hour).Format("2006-01-02 15:04:05")
			if err := st.InsertCompletedSale(ctx, pharmacyID, id, qty, p.unit, ts); err != nil {
				return res, err
			}
			res.Sales++
		}
		if len(history) > 0 {
			n, err := st.UpsertHistoricalDaily(ctx, history)
			if err != nil {
				return res, err
			}
			res.Historical += n
		}
		log.Debug().Str("product", p.name).Int64("product_id", id).Msg("demo product seeded")
	}
	return res, nil
}

func demoQuantity(base, product, day int, wd time.Weekday) int {
	qty := base + (product*7+day*3)%5 - 2
	switch wd {
	case time.Saturday, time.Sunday:
		qty += base / 2
	case time.Monday:
		qty -= base / 4
	}
	if qty < 0 {
		return 0
	}
	return qty
}

func main() {
	pharmacyID := flag.Int64("pharmacy", 1, "pharmacy id to seed")
	days := flag.Int("days", 180, "days of sales history")
	force := flag.Bool("force", false, "seed even if the pharmacy already has products")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.LoadConfig()
	log := observability.NewLogger(observability.LogConfig{
		Level:       cfg.LogLevel,
		Format:      "console",
		Output:      os.Stderr,
		ServiceName: "pharmacy-ai-seed",
	})

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("データベースへの接続に失敗")
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("スキーマの作成に失敗")
	}

	res, err := seedDemo(ctx, st, *pharmacyID, *days, time.Now().UTC(), *force, log)
	if errors.Is(err, errAlreadySeeded) {
		log.Warn().Int64("pharmacy_id", *pharmacyID).Msg("商品が既に存在するためスキップしました (--force で上書き)")
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("デモデータの投入に失敗")
	}
	log.Info().
		Int64("pharmacy_id", *pharmacyID).
		Int("products", res.Products).
		Int("sales", res.Sales).
		Int("historical_days", res.Historical).
		Msg("デモデータを投入しました")
}

package services

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"pharmacy-ai-api/pkg/models"
)

const (
	GranularityDaily   = "daily"
	GranularityWeekly  = "weekly"
	GranularityMonthly = "monthly"
)

// ErrUnknownGranularity is returned for anything other than daily, weekly or monthly.
var ErrUnknownGranularity = fmt.Errorf("granularity must be %s, %s or %s", GranularityDaily, GranularityWeekly, GranularityMonthly)

// AggregateDailySeries は日次系列を週次(ISO週、月〜日)または月次に合計します。
// 期間の開始・終了日は暦上の境界です。系列の端で欠けた期間は Days が小さくなります。
func AggregateDailySeries(daily []models.DailyPoint, granularity string) ([]models.PeriodPoint, error) {
	granularity = strings.ToLower(strings.TrimSpace(granularity))
	if granularity != GranularityWeekly && granularity != GranularityMonthly {
		return nil, ErrUnknownGranularity
	}

	groups := make(map[string]*models.PeriodPoint)
	for _, d := range daily {
		t, err := time.Parse("2006-01-02", d.Date)
		if err != nil {
			continue
		}
		var key string
		var start, end time.Time
		if granularity == GranularityWeekly {
			weekday := int(t.Weekday())
			if weekday == 0 {
				weekday = 7
			}
			start = t.AddDate(0, 0, -(weekday - 1))
			end = start.AddDate(0, 0, 6)
			y, w := start.ISOWeek()
			key = fmt.Sprintf("%04d-W%02d", y, w)
		} else {
			start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
			end = start.AddDate(0, 1, -1)
			key = start.Format("2006-01")
		}

		p, ok := groups[key]
		if !ok {
			p = &models.PeriodPoint{Period: key, StartDate: start.Format("2006-01-02"), EndDate: end.Format("2006-01-02")}
			groups[key] = p
		}
		p.Value += d.Value
		p.Revenue += d.Revenue
		p.Days++
	}

	out := make([]models.PeriodPoint, 0, len(groups))
	for _, p := range groups {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate < out[j].StartDate })
	return out, nil
}

package core

import (
	"encoding/json"
	"time"
)

// DateLayout is the wire format for config dates.
const DateLayout = "2006-01-02"

// CollectionConfig parameterizes a data-collection job. An absent range
// means "all dates"; the processor's Enumerate decides what that covers.
type CollectionConfig struct {
	StartDate string `json:"start_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	EndDate   string `json:"end_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// AnalyticsConfig parameterizes an analytics-generation job. It accepts the
// same optional date range as data collection.
type AnalyticsConfig struct {
	StartDate string `json:"start_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	EndDate   string `json:"end_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// DateRange enumerates one Item per calendar day from start through end
// inclusive, in "2006-01-02" form. Processors use it as the default stream
// for range-bounded configs.
func DateRange(start, end string) ([]Item, error) {
	from, err := time.Parse(DateLayout, start)
	if err != nil {
		return nil, err
	}
	to, err := time.Parse(DateLayout, end)
	if err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, ErrInvalidDateRange
	}

	var items []Item
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		items = append(items, Item{ID: d.Format(DateLayout)})
	}
	return items, nil
}

// DecodeCollectionConfig decodes a data-collection job's config bytes.
func DecodeCollectionConfig(raw []byte) (CollectionConfig, error) {
	var cfg CollectionConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	err := json.Unmarshal(raw, &cfg)
	return cfg, err
}

// DecodeAnalyticsConfig decodes an analytics-generation job's config bytes.
func DecodeAnalyticsConfig(raw []byte) (AnalyticsConfig, error) {
	var cfg AnalyticsConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	err := json.Unmarshal(raw, &cfg)
	return cfg, err
}

// Package model defines the core data types shared across the pipeline.
package model

import "time"

// Category is a canonical license category. State-specific license-type
// codes are mapped into this set by the per-state extractors before
// records reach the pipeline.
type Category string

// Canonical license categories.
const (
	CategoryBarber        Category = "barber"
	CategoryCosmetologist Category = "cosmetologist"
	CategorySalon         Category = "salon"
	CategoryBarbershop    Category = "barbershop"
	CategoryOwner         Category = "owner"
	CategorySchool        Category = "school"
	CategoryBooth         Category = "booth"
)

// Categories returns all canonical categories in a stable order.
func Categories() []Category {
	return []Category{
		CategoryBarber,
		CategoryCosmetologist,
		CategorySalon,
		CategoryBarbershop,
		CategoryOwner,
		CategorySchool,
		CategoryBooth,
	}
}

// RawRecord is one license record as delivered by a state extractor:
// free-text address fields plus the already-mapped canonical category.
type RawRecord struct {
	Street   string   `json:"street"`
	Unit     string   `json:"unit,omitempty"`
	City     string   `json:"city"`
	State    string   `json:"state"`
	Zip      string   `json:"zip"`
	Category Category `json:"category"`
}

// RejectReason explains why a raw address was excluded from the pipeline.
type RejectReason string

// Rejection reasons.
const (
	RejectPOBox      RejectReason = "po_box"
	RejectUnparsable RejectReason = "unparsable"
)

// NormalizedAddress is the canonical form of a street address. Key is
// stable across formatting variance of the same physical address and is
// used for both aggregation and geocode caching.
type NormalizedAddress struct {
	Street string `json:"street"`
	Unit   string `json:"unit,omitempty"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
	Key    string `json:"key"`
}

// AddressType classifies a location as commercial or residential.
type AddressType string

// Address types.
const (
	TypeCommercial  AddressType = "Commercial"
	TypeResidential AddressType = "Residential"
)

// LocationAggregate is one row per unique physical location: summed
// license counts, the assigned address type, and coordinates once the
// geocoder has resolved them.
type LocationAggregate struct {
	Key           string           `json:"address_key"`
	Address       string           `json:"address_clean"`
	Unit          string           `json:"unit,omitempty"`
	City          string           `json:"city_clean"`
	State         string           `json:"state"`
	Zip           string           `json:"zip_clean"`
	AddressType   AddressType      `json:"address_type,omitempty"`
	TotalLicenses int              `json:"total_licenses"`
	Counts        map[Category]int `json:"counts_by_category"`
	Latitude      *float64         `json:"lat,omitempty"`
	Longitude     *float64         `json:"lon,omitempty"`
}

// GeocodeStatus is the lifecycle state of a cache entry.
type GeocodeStatus string

// Geocode statuses.
const (
	StatusResolved GeocodeStatus = "resolved"
	StatusFailed   GeocodeStatus = "failed"
	StatusPending  GeocodeStatus = "pending"
)

// CacheEntry is the persistent geocode record for one address key. It is
// the system's only long-lived state.
type CacheEntry struct {
	Key         string        `json:"address_key"`
	Latitude    float64       `json:"latitude"`
	Longitude   float64       `json:"longitude"`
	Status      GeocodeStatus `json:"status"`
	Source      string        `json:"source,omitempty"`
	LastUpdated time.Time     `json:"last_updated"`
}

// RunSummary accounts for every record in a run. Rejections and geocode
// failures are counted here rather than silently dropped.
type RunSummary struct {
	RunID         string               `json:"run_id"`
	InputRecords  int                  `json:"input_records"`
	Accepted      int                  `json:"accepted"`
	Rejected      map[RejectReason]int `json:"rejected"`
	Locations     int                  `json:"locations"`
	CacheHits     int                  `json:"cache_hits"`
	Submitted     int                  `json:"submitted"`
	Resolved      int                  `json:"resolved"`
	Failed        int                  `json:"failed"`
	OutOfBounds   int                  `json:"out_of_bounds"`
	Lane          string               `json:"lane,omitempty"`
	ProviderCalls int                  `json:"provider_calls"`
	StartedAt     time.Time            `json:"started_at"`
	CompletedAt   time.Time            `json:"completed_at,omitempty"`
}

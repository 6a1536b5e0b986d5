package search

import (
	"time"

	"example.com/estate/services/searchsync/internal/events"
)

// GeoPoint is the Elasticsearch geo_point object form
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Document is the indexed form of one building. Localized fields are stored whole for display
// and flattened into *_text fields for full-text matching.
type Document struct {
	ID string `json:"id"`

	Title           map[string]string `json:"title,omitempty"`
	TitleText       string            `json:"title_text,omitempty"`
	Address         map[string]string `json:"address,omitempty"`
	AddressText     string            `json:"address_text,omitempty"`
	Description     map[string]string `json:"description,omitempty"`
	DescriptionText string            `json:"description_text,omitempty"`

	DeveloperID       string            `json:"developer_id,omitempty"`
	DeveloperName     map[string]string `json:"developer_name,omitempty"`
	DeveloperNameText string            `json:"developer_name_text,omitempty"`
	RegionID          string            `json:"region_id,omitempty"`
	RegionName        map[string]string `json:"region_name,omitempty"`
	RegionNameText    string            `json:"region_name_text,omitempty"`

	Status            string     `json:"status,omitempty"`
	PriceMin          *float64   `json:"price_min,omitempty"`
	PriceMax          *float64   `json:"price_max,omitempty"`
	AreaMin           *float64   `json:"area_min,omitempty"`
	AreaMax           *float64   `json:"area_max,omitempty"`
	Floors            *int       `json:"floors,omitempty"`
	CommissioningDate *string    `json:"commissioning_date,omitempty"`
	Thumbnail         string     `json:"thumbnail,omitempty"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`

	Location *GeoPoint `json:"location,omitempty"`
}

// NewDocument builds the document for an upsert event. A rejected location leaves the
// document without one.
func NewDocument(ev events.UpsertEvent) Document {
	p := ev.Payload
	doc := Document{
		ID:                ev.EntityID(),
		Title:             p.Title,
		TitleText:         p.Title.Text(),
		Address:           p.Address,
		AddressText:       p.Address.Text(),
		Description:       p.Description,
		DescriptionText:   p.Description.Text(),
		DeveloperID:       p.DeveloperID,
		DeveloperName:     p.DeveloperName,
		DeveloperNameText: p.DeveloperName.Text(),
		RegionID:          p.RegionID,
		RegionName:        p.RegionName,
		RegionNameText:    p.RegionName.Text(),
		Status:            p.Status,
		PriceMin:          p.PricePerM2Min,
		PriceMax:          p.PricePerM2Max,
		AreaMin:           p.AreaMin,
		AreaMax:           p.AreaMax,
		Floors:            p.Floors,
		CommissioningDate: p.CommissioningDate,
		Thumbnail:         p.Thumbnail,
		UpdatedAt:         p.UpdatedAt,
	}
	if ev.Location != nil {
		doc.Location = &GeoPoint{Lat: ev.Location.Lat, Lon: ev.Location.Lng}
	}
	return doc
}

// indexMapping declares filterable keyword and numeric fields, sortable fields and
// full-text fields. Localized objects are stored but not indexed.
var indexMapping = map[string]interface{}{
	"dynamic": false,
	"properties": map[string]interface{}{
		"id":                  keyword(),
		"title":               storedOnly(),
		"title_text":          map[string]interface{}{"type": "text", "fields": map[string]interface{}{"raw": map[string]interface{}{"type": "keyword", "ignore_above": 256}}},
		"address":             storedOnly(),
		"address_text":        text(),
		"description":         storedOnly(),
		"description_text":    text(),
		"developer_id":        keyword(),
		"developer_name":      storedOnly(),
		"developer_name_text": text(),
		"region_id":           keyword(),
		"region_name":         storedOnly(),
		"region_name_text":    text(),
		"status":              keyword(),
		"price_min":           double(),
		"price_max":           double(),
		"area_min":            double(),
		"area_max":            double(),
		"floors":              map[string]interface{}{"type": "integer"},
		"commissioning_date":  keyword(),
		"thumbnail":           map[string]interface{}{"type": "keyword", "index": false},
		"updated_at":          map[string]interface{}{"type": "date"},
		"location":            map[string]interface{}{"type": "geo_point"},
	},
}

func keyword() map[string]interface{} { return map[string]interface{}{"type": "keyword"} }
func text() map[string]interface{}    { return map[string]interface{}{"type": "text"} }
func double() map[string]interface{}  { return map[string]interface{}{"type": "double"} }
func storedOnly() map[string]interface{} {
	return map[string]interface{}{"type": "object", "enabled": false}
}

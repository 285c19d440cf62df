package main

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

// Country is one entry in the static geography catalog. Identity is Code.
type Country struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Region string `json:"region"`
}

//go:embed countries.json
var countriesJSON []byte

// regionsByFilter maps the client-facing filter names onto catalog regions.
// A nil entry means no filtering.
var regionsByFilter = map[string][]string{
	"all":         nil,
	"europe":      {"Europe"},
	"americas":    {"Americas"},
	"asiaOceania": {"Asia", "Oceania"},
	"africa":      {"Africa"},
}

func validFilter(filter string) bool {
	_, ok := regionsByFilter[filter]
	return ok
}

// Catalog holds every country known to the server, loaded once at startup.
type Catalog struct {
	countries []Country
	byCode    map[string]Country
}

func loadCatalog() (*Catalog, error) {
	var countries []Country
	if err := json.Unmarshal(countriesJSON, &countries); err != nil {
		return nil, fmt.Errorf("parsing embedded catalog: %w", err)
	}
	if len(countries) == 0 {
		return nil, fmt.Errorf("embedded catalog is empty")
	}

	byCode := make(map[string]Country, len(countries))
	for _, country := range countries {
		if _, dup := byCode[country.Code]; dup {
			return nil, fmt.Errorf("duplicate country code %q in catalog", country.Code)
		}
		byCode[country.Code] = country
	}

	return &Catalog{countries: countries, byCode: byCode}, nil
}

// Filter returns the subset of the catalog matching a region filter.
// Unknown filters return the full catalog.
func (c *Catalog) Filter(filter string) []Country {
	regions := regionsByFilter[filter]
	if regions == nil {
		return c.countries
	}

	matched := make([]Country, 0, len(c.countries))
	for _, country := range c.countries {
		for _, region := range regions {
			if country.Region == region {
				matched = append(matched, country)
				break
			}
		}
	}
	return matched
}

func (c *Catalog) lookup(code string) (Country, bool) {
	country, ok := c.byCode[code]
	return country, ok
}

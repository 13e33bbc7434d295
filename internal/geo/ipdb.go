package geo

import (
	"fmt"
	"strconv"

	"github.com/ipipdotnet/ipdb-go"
)

type ipdbProvider struct {
	db *ipdb.City
}

func newIPDBProvider(path string) (*ipdbProvider, error) {
	db, err := ipdb.NewCity(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ipdb: %w", err)
	}
	return &ipdbProvider{db: db}, nil
}

func (p *ipdbProvider) Lookup(ip string) (*Result, error) {
	info, err := p.db.FindInfo(ip, "EN")
	if err != nil {
		return nil, fmt.Errorf("ipdb lookup failed: %w", err)
	}

	result := &Result{
		CountryCode: info.CountryCode,
		CountryName: info.CountryName,
		Region:      info.RegionName,
		City:        info.CityName,
	}
	if lat, err := strconv.ParseFloat(info.Latitude, 64); err == nil {
		result.Latitude = lat
	}
	if lon, err := strconv.ParseFloat(info.Longitude, 64); err == nil {
		result.Longitude = lon
	}
	return result, nil
}

func (p *ipdbProvider) Close() error {
	// ipdb-go does not require explicit close
	return nil
}

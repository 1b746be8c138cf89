// Package geoip provides MMDB-based IP geolocation for connection audit
// records. It degrades gracefully: without a database every lookup returns
// nil and sessions simply carry no location.
package geoip

import (
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// GeoData contains geolocation information for an IP address
type GeoData struct {
	CountryCode string  `json:"country_code,omitempty"`
	CountryName string  `json:"country_name,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
}

// Reader provides IP geolocation lookups using an MMDB database
type Reader struct {
	db     *geoip2.Reader
	dbPath string
}

// NewReader creates a new GeoIP reader from an MMDB file.
//
// Returns nil, nil if no path is given or the file doesn't exist.
func NewReader(mmdbPath string) (*Reader, error) {
	if mmdbPath == "" {
		return nil, nil
	}

	db, err := geoip2.Open(mmdbPath)
	if err != nil {
		if strings.Contains(err.Error(), "no such file") || strings.Contains(err.Error(), "cannot find") {
			return nil, nil
		}
		return nil, err
	}

	return &Reader{db: db, dbPath: mmdbPath}, nil
}

// Lookup performs a geolocation lookup for the given IP address.
//
// Returns nil for invalid, private or unknown addresses, and when no
// database is loaded.
func (r *Reader) Lookup(ipStr string) *GeoData {
	if r == nil || r.db == nil {
		return nil
	}

	// Accept "ip:port" from socket addresses.
	host, _, err := net.SplitHostPort(ipStr)
	if err != nil {
		host = ipStr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate() {
		return nil
	}

	record, err := r.db.City(ip)
	if err != nil {
		return nil
	}

	geoData := &GeoData{
		CountryCode: record.Country.IsoCode,
		CountryName: record.Country.Names["en"],
		City:        record.City.Names["en"],
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
	}

	if geoData.CountryCode == "" && geoData.City == "" {
		return nil
	}

	return geoData
}

// IsLoaded returns true if a database is successfully loaded
func (r *Reader) IsLoaded() bool {
	return r != nil && r.db != nil
}

// DatabasePath returns the path of the loaded database
func (r *Reader) DatabasePath() string {
	if r == nil {
		return ""
	}
	return r.dbPath
}

// Close closes the underlying database
func (r *Reader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

package replication

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/resource"
)

// ListQuery selects a page of top-level objects.
type ListQuery struct {
	Module ocpi.ModuleID
	Owners []resource.Owner
	// DateFrom is inclusive, DateTo exclusive; zero means unbounded.
	DateFrom time.Time
	DateTo   time.Time
	Offset   int
	Limit    int
}

// Page is one slice of a list.
type Page struct {
	Items    []resource.Resource
	Total    int
	Filtered int
	Offset   int
	Limit    int
	// Next is the query for the following page, nil on the last one.
	Next *ListQuery
}

// Values renders the filter and paging parameters of q. Owners and module
// are part of the URL path, not the query.
func (q ListQuery) Values() url.Values {
	v := url.Values{}
	if !q.DateFrom.IsZero() {
		v.Set("date_from", resource.Normalize(q.DateFrom).Format(time.RFC3339Nano))
	}
	if !q.DateTo.IsZero() {
		v.Set("date_to", resource.Normalize(q.DateTo).Format(time.RFC3339Nano))
	}
	v.Set("offset", strconv.Itoa(q.Offset))
	v.Set("limit", strconv.Itoa(q.Limit))
	return v
}

// ParseQuery reads date_from, date_to, offset and limit. Unknown parameters
// such as match are left to the caller.
func ParseQuery(values url.Values) (ListQuery, error) {
	var q ListQuery
	var err error
	if q.DateFrom, err = parseTime(values.Get("date_from")); err != nil {
		return q, fmt.Errorf("%w: date_from: %v", ocpi.ErrProtocol, err)
	}
	if q.DateTo, err = parseTime(values.Get("date_to")); err != nil {
		return q, fmt.Errorf("%w: date_to: %v", ocpi.ErrProtocol, err)
	}
	if q.Offset, err = parseInt(values.Get("offset")); err != nil || q.Offset < 0 {
		return q, fmt.Errorf("%w: offset must be a non-negative integer", ocpi.ErrProtocol)
	}
	if q.Limit, err = parseInt(values.Get("limit")); err != nil || q.Limit < 0 {
		return q, fmt.Errorf("%w: limit must be a non-negative integer", ocpi.ErrProtocol)
	}
	return q, nil
}

func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// Peers on 2.1.1 sometimes omit the zone; such values are read as UTC.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return resource.Normalize(t), nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return resource.Normalize(t), nil
}

// ParseTimestamp parses a protocol DateTime.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := parseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", ocpi.ErrProtocol, s)
	}
	return t, nil
}

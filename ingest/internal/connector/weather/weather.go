// Package weather reads current conditions from the Open-Meteo forecast API.
//
// One observation is emitted per new observation time; the cursor is the
// time of the last observation stored.
package weather

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/hazyhaar/ingestd/ingest/internal/connector"
	"github.com/hazyhaar/ingestd/ingest/internal/fetch"
)

// Type is the registry name of this connector.
const Type = "weather"

const defaultBaseURL = "https://api.open-meteo.com/v1/forecast"

// Options locates the observation point.
type Options struct {
	City      string  `yaml:"city"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	BaseURL   string  `yaml:"base_url"`
}

// Connector polls current weather for one location.
type Connector struct {
	opts    Options
	fetcher *fetch.Fetcher
}

// New validates opts.
func New(f *fetch.Fetcher, opts Options) (*Connector, error) {
	if opts.City == "" {
		return nil, fmt.Errorf("weather: city is required")
	}
	if opts.Latitude < -90 || opts.Latitude > 90 || opts.Longitude < -180 || opts.Longitude > 180 {
		return nil, fmt.Errorf("weather: coordinates out of range (%v, %v)", opts.Latitude, opts.Longitude)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	return &Connector{opts: opts, fetcher: f}, nil
}

// Factory registers the connector against a shared fetcher.
func Factory(f *fetch.Fetcher) connector.Factory {
	return func(spec connector.Spec) (connector.Connector, error) {
		var opts Options
		if err := spec.DecodeOptions(&opts); err != nil {
			return nil, err
		}
		return New(f, opts)
	}
}

type forecast struct {
	Current *struct {
		Temperature float64 `json:"temperature"`
		Windspeed   float64 `json:"windspeed"`
		Weathercode int     `json:"weathercode"`
		Time        string  `json:"time"`
	} `json:"current_weather"`
}

// Fetch implements connector.Connector.
func (c *Connector) Fetch(ctx context.Context, cursor string) (*connector.Result, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(c.opts.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(c.opts.Longitude, 'f', -1, 64))
	q.Set("current_weather", "true")
	q.Set("timezone", "GMT")

	var fc forecast
	resp, err := c.fetcher.GetJSON(ctx, fetch.Request{URL: c.opts.BaseURL + "?" + q.Encode()}, &fc)
	if err != nil {
		return nil, err
	}
	hint := connector.RateHint{RetryAfter: resp.RetryAfter}
	cw := fc.Current
	if cw == nil || cw.Time == "" {
		return nil, connector.Classify("weather "+c.opts.City, 0, fmt.Errorf("response has no current_weather"))
	}
	if cw.Time == cursor {
		return &connector.Result{NextCursor: cursor, Hint: hint}, nil
	}

	cond := Condition(cw.Weathercode)
	title := fmt.Sprintf("Weather in %s: %s", c.opts.City, cond)
	text := fmt.Sprintf("%s, %.1f°C, wind %.1f km/h.", title, cw.Temperature, cw.Windspeed)
	p := connector.RawPayload{
		NativeID: c.opts.City + "@" + cw.Time,
		Cursor:   cw.Time,
		Fields: map[string]any{
			"city":        c.opts.City,
			"time":        cw.Time,
			"temperature": cw.Temperature,
			"windspeed":   cw.Windspeed,
			"weathercode": cw.Weathercode,
			"condition":   cond,
			"rain":        cw.Weathercode >= 51,
			"title":       title,
			"text":        text,
		},
	}
	return &connector.Result{Payloads: []connector.RawPayload{p}, NextCursor: cw.Time, Hint: hint}, nil
}

// Condition names a WMO weather interpretation code.
func Condition(code int) string {
	switch {
	case code == 0:
		return "clear"
	case code <= 3:
		return "cloudy"
	case code == 45 || code == 48:
		return "fog"
	case code >= 51 && code <= 57:
		return "drizzle"
	case code >= 61 && code <= 67:
		return "rain"
	case code >= 71 && code <= 77:
		return "snow"
	case code >= 80 && code <= 82:
		return "rain showers"
	case code >= 85 && code <= 86:
		return "snow showers"
	case code >= 95:
		return "thunderstorm"
	}
	return "unknown"
}

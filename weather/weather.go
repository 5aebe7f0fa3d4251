// Package weather wraps the OpenWeatherMap forecast API. A failed or
// unconfigured fetch degrades to an "Unknown" condition instead of an error;
// rain-check treats Unknown as workable weather.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/dtrspro/fieldops_backend/models"
)

const (
	apiURL       = "https://api.openweathermap.org/data/2.5/weather"
	fetchTimeout = 5 * time.Second

	ConditionRain    = "Rain"
	ConditionClear   = "Clear"
	ConditionUnknown = "Unknown"
)

type Coordinates struct {
	Lat float64
	Lon float64
}

// Service fetches forecasts. Clock-free and stateless; safe for concurrent
// use from scheduled scans.
type Service interface {
	Forecast(ctx context.Context, coords Coordinates, date string) models.WeatherSnapshot
}

type openWeatherService struct {
	apiKey string
	client *http.Client
}

func NewService() Service {
	return &openWeatherService{
		apiKey: os.Getenv("WEATHER_API_KEY"),
		client: &http.Client{Timeout: fetchTimeout},
	}
}

type owmResponse struct {
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Rain struct {
		OneHour float64 `json:"1h"`
	} `json:"rain"`
}

func (s *openWeatherService) Forecast(ctx context.Context, coords Coordinates, date string) models.WeatherSnapshot {
	now := time.Now().UTC()

	if s.apiKey == "" {
		// Mock forecast for unconfigured environments.
		return models.WeatherSnapshot{
			Condition:     ConditionClear,
			Description:   "Sunny skies expected",
			Temperature:   75,
			Humidity:      60,
			WindSpeed:     10,
			Precipitation: 0,
			FetchedAt:     now,
		}
	}

	query := url.Values{}
	query.Set("lat", fmt.Sprintf("%f", coords.Lat))
	query.Set("lon", fmt.Sprintf("%f", coords.Lon))
	query.Set("appid", s.apiKey)
	query.Set("units", "imperial")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"?"+query.Encode(), nil)
	if err != nil {
		return unknownSnapshot(now)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		config.LogError(config.GetLogger(), "weather", "Forecast", "weather API error", coords, err)
		return unknownSnapshot(now)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		config.LogError(config.GetLogger(), "weather", "Forecast", "weather API non-200", coords,
			fmt.Errorf("status %d", resp.StatusCode))
		return unknownSnapshot(now)
	}

	var data owmResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return unknownSnapshot(now)
	}

	snapshot := models.WeatherSnapshot{
		Temperature:   data.Main.Temp,
		Humidity:      data.Main.Humidity,
		WindSpeed:     data.Wind.Speed,
		Precipitation: data.Rain.OneHour,
		FetchedAt:     now,
	}
	if len(data.Weather) > 0 {
		snapshot.Condition = data.Weather[0].Main
		snapshot.Description = data.Weather[0].Description
	} else {
		snapshot.Condition = ConditionUnknown
	}
	return snapshot
}

func unknownSnapshot(now time.Time) models.WeatherSnapshot {
	return models.WeatherSnapshot{
		Condition: ConditionUnknown,
		FetchedAt: now,
	}
}

// Package wahoo defines the Wahoo Fitness Cloud API integration.
package wahoo

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/livinlefevreloca/apisync/internal/auth"
	"github.com/livinlefevreloca/apisync/internal/endpoint"
)

const (
	Name = "wahoo"

	BaseURL           = "https://api.wahooligan.com/v1/"
	AuthorizeEndpoint = "https://api.wahooligan.com/oauth/authorize"
	TokenEndpoint     = "https://api.wahooligan.com/oauth/token"

	// CredentialsFile holds the rotated refresh token inside the output directory.
	CredentialsFile = "_credentials.json"

	// HistoricDelay is the pause between full backfill sweeps.
	HistoricDelay = 90 * 24 * time.Hour

	pollDelay = 24 * time.Hour
	pageDelay = time.Hour
	perPage   = 50
)

// ErrMissingRefreshToken is returned when no refresh token is configured or stored.
var ErrMissingRefreshToken = errors.New("wahoo: no refresh token configured")

// Config holds the OAuth client credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string

	// TokenStore is where rotated refresh tokens are kept.
	TokenStore string

	HTTPClient *http.Client

	// Replay builds the integration without a token source, for runs served
	// from recorded responses. No refresh token is required.
	Replay bool
}

// DefaultTokenStore returns the credentials file for outputDir.
func DefaultTokenStore(outputDir string) string {
	return filepath.Join(outputDir, Name, CredentialsFile)
}

// New builds the integration. Unless cfg.Replay is set, a refresh token must
// be configured or already present in the token store.
func New(cfg Config) (*endpoint.Integration, error) {
	var tokens auth.TokenSource
	if !cfg.Replay {
		store := &auth.FileTokenStore{Path: cfg.TokenStore}
		if cfg.RefreshToken == "" {
			stored, err := store.Load()
			if err != nil {
				return nil, err
			}
			if stored == "" {
				return nil, fmt.Errorf("%w: set WAHOO_REFRESH_TOKEN or integrations.wahoo.refresh_token", ErrMissingRefreshToken)
			}
		}
		tokens = &auth.OAuthRefresh{
			TokenURL:     TokenEndpoint,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RefreshToken: cfg.RefreshToken,
			Store:        store,
			HTTPClient:   cfg.HTTPClient,
		}
	}

	integration := &endpoint.Integration{
		Name:          Name,
		BaseURL:       BaseURL,
		HistoricDelay: HistoricDelay,
		Tokens:        tokens,
		Header:        http.Header{"Accept": []string{"application/json"}},
		Primary:       []endpoint.Primary{user(), workouts()},
		Secondary:     []endpoint.SecondaryEndpoint{workoutSummary()},
	}
	if err := integration.Validate(); err != nil {
		return nil, err
	}
	return integration, nil
}

func user() *endpoint.SnapshotEndpoint {
	return &endpoint.SnapshotEndpoint{Base: endpoint.Base{
		Endpoint: "user",
		DirName:  "user",
		Delay:    pollDelay,
	}}
}

func workouts() *endpoint.TimeBoundEndpoint {
	return &endpoint.TimeBoundEndpoint{
		Base: endpoint.Base{
			Endpoint:      "workouts",
			DirName:       "workouts",
			Delay:         pollDelay,
			DefaultParams: firstPage,
			Transform:     extractWorkouts,
		},
		DayKey:         WorkoutDay,
		NextParams:     NextPage,
		HistoricParams: firstPage,
		PageDelay:      pageDelay,
	}
}

func workoutSummary() endpoint.SecondaryEndpoint {
	return endpoint.SecondaryEndpoint{
		Primary: "workouts",
		DirName: "workout_summary",
		Path: func(entity any) (string, error) {
			id, err := WorkoutID(entity)
			if err != nil {
				return "", err
			}
			return "workouts/" + id + "/workout_summary", nil
		},
		Identifier: WorkoutID,
	}
}

func firstPage() endpoint.Params {
	return endpoint.Params{"page": 1, "per_page": perPage}
}

// NextPage advances the page cursor by one, keeping the page size.
func NextPage(current endpoint.Params) endpoint.Params {
	next := current.Clone()
	if next == nil {
		next = endpoint.Params{}
	}
	next["page"] = current.Int("page", 1) + 1
	if _, ok := next["per_page"]; !ok {
		next["per_page"] = perPage
	}
	return next
}

func extractWorkouts(data any) (any, error) {
	obj, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %T", data)
	}
	return obj["workouts"], nil
}

// WorkoutDay buckets a workout by the UTC date it started. Records without
// a start time fall back to their day field.
func WorkoutDay(record map[string]any) (string, error) {
	if starts, ok := record["starts"].(string); ok && starts != "" {
		t, err := time.Parse(time.RFC3339, starts)
		if err != nil {
			return "", fmt.Errorf("invalid starts %q: %w", starts, err)
		}
		return t.UTC().Format("2006-01-02"), nil
	}
	if day, ok := record["day"].(string); ok && day != "" {
		return day, nil
	}
	return "", errors.New("workout has no starts or day")
}

// WorkoutID returns the workout id as a path segment.
func WorkoutID(entity any) (string, error) {
	obj, ok := entity.(map[string]any)
	if !ok {
		return "", fmt.Errorf("expected a workout object, got %T", entity)
	}
	switch id := obj["id"].(type) {
	case float64:
		return fmt.Sprintf("%.0f", id), nil
	case string:
		if id != "" {
			return id, nil
		}
	case int:
		return fmt.Sprint(id), nil
	}
	return "", errors.New("workout has no id")
}

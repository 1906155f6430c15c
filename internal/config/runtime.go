package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const maxRuntimeDocSize = 1 << 20 // 1MB

// ErrConfigMissing is returned when the runtime configuration document is
// absent or invalid. The session controller treats it as terminal: no
// marking action may start until a valid document loads.
var ErrConfigMissing = errors.New("runtime configuration missing")

// Runtime is the validated runtime configuration document. It is immutable
// after load.
type Runtime struct {
	APIBaseURL      string       `json:"apiBaseUrl"`
	SupabaseURL     string       `json:"supabaseUrl"`
	SupabaseAnonKey string       `json:"supabaseAnonKey"`
	BuildID         string       `json:"buildId"`
	FeatureFlags    FeatureFlags `json:"featureFlags"`
}

type FeatureFlags struct {
	AutosaveDrafts   bool `json:"autosaveDrafts"`
	ClearOnExpiry    bool `json:"clearOnExpiry"`
	DebugPreview     bool `json:"debugPreview"`
	RevisionPractice bool `json:"revisionPractice"`
}

// LoadRuntime reads and validates the runtime configuration document.
// Location may be a filesystem path or an http(s) URL; HTTP fetches disable
// caching so a stale document never masks a rollout. Any failure (absent
// document, malformed JSON, missing required fields) wraps ErrConfigMissing.
func LoadRuntime(ctx context.Context, location string) (Runtime, error) {
	var data []byte
	var err error

	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		data, err = fetchNoCache(ctx, location)
	} else {
		data, err = os.ReadFile(location)
	}
	if err != nil {
		return Runtime{}, fmt.Errorf("%w: reading %s: %v", ErrConfigMissing, location, err)
	}

	var rt Runtime
	if err := json.Unmarshal(data, &rt); err != nil {
		return Runtime{}, fmt.Errorf("%w: parsing %s: %v", ErrConfigMissing, location, err)
	}

	if err := rt.validate(); err != nil {
		return Runtime{}, fmt.Errorf("%w: %v", ErrConfigMissing, err)
	}
	return rt, nil
}

func (rt Runtime) validate() error {
	var missing []string
	if rt.APIBaseURL == "" {
		missing = append(missing, "apiBaseUrl")
	}
	if rt.SupabaseURL == "" {
		missing = append(missing, "supabaseUrl")
	}
	if rt.SupabaseAnonKey == "" {
		missing = append(missing, "supabaseAnonKey")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required fields absent: %s", strings.Join(missing, ", "))
	}
	return nil
}

func fetchNoCache(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Pragma", "no-cache")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxRuntimeDocSize))
}

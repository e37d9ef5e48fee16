/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/fleetops/dispatch/pkg/fleet"
)

const routerTimeout = 20 * time.Second

// Router produces travel matrices for ordered coordinate lists.
type Router interface {
	Table(ctx context.Context, coords []fleet.Location) (*Matrix, error)
}

// OSRMClient speaks the OSRM table service protocol:
// GET /table/v1/driving/{lng,lat;...}?annotations=duration,distance.
type OSRMClient struct {
	baseURL string
	client  *http.Client
}

func NewOSRMClient(baseURL string) *OSRMClient {
	return &OSRMClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: routerTimeout},
	}
}

type tableResponse struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Distances [][]float64 `json:"distances"`
	Durations [][]float64 `json:"durations"`
}

func (c *OSRMClient) Table(ctx context.Context, coords []fleet.Location) (*Matrix, error) {
	parts := make([]string, len(coords))
	for i, p := range coords {
		parts[i] = fmt.Sprintf("%f,%f", p.Lng, p.Lat)
	}
	url := fmt.Sprintf("%s/table/v1/driving/%s?annotations=duration,distance", c.baseURL, strings.Join(parts, ";"))

	var table tableResponse
	err := retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("router returned status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
			return err
		}
		if table.Code != "Ok" {
			return fmt.Errorf("router returned code %q, %s", table.Code, table.Message)
		}
		return nil
	}, retry.Attempts(2), retry.Delay(200*time.Millisecond), retry.Context(ctx), retry.LastErrorOnly(true))
	if err != nil {
		return nil, fmt.Errorf("%w, %s", fleet.ErrExternalRouter, err)
	}
	if len(table.Durations) != len(coords) || len(table.Distances) != len(coords) {
		return nil, fmt.Errorf("%w, table dimensions %dx%d do not match %d coordinates",
			fleet.ErrExternalRouter, len(table.Distances), len(table.Durations), len(coords))
	}
	return &Matrix{Distances: table.Distances, Durations: table.Durations}, nil
}

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

// Package cvrp integrates the external capacitated-VRP solver service. The
// core never implements the solver; it only normalizes its output. Health
// probes run through a circuit breaker so a dead solver costs one probe per
// window instead of one per optimization request.
package cvrp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fleetops/dispatch/pkg/fleet"
)

const (
	healthTimeout   = 3 * time.Second
	optimizeTimeout = 30 * time.Second
)

// Point is a depot or delivery coordinate in solver terms.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type TimeWindow struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type Delivery struct {
	ID         string     `json:"id"`
	Lat        float64    `json:"lat"`
	Lng        float64    `json:"lng"`
	Demand     float64    `json:"demand"`
	TimeWindow TimeWindow `json:"time_window"`
}

type Vehicle struct {
	ID       string  `json:"id"`
	Capacity float64 `json:"capacity"`
}

type Request struct {
	Depot         Point      `json:"depot"`
	Locations     []Delivery `json:"locations"`
	Vehicles      []Vehicle  `json:"vehicles"`
	TimeBudgetSec int        `json:"timeBudgetSec"`
}

type Stop struct {
	LocationIndex  int     `json:"location_index"`
	CumulativeLoad float64 `json:"cumulative_load"`
	Demand         float64 `json:"demand"`
	LocationID     string  `json:"location_id"`
}

type VehicleRoute struct {
	Stops               []Stop  `json:"stops"`
	TotalDistance       float64 `json:"total_distance"`
	TotalLoad           float64 `json:"total_load"`
	CapacityUtilization float64 `json:"capacity_utilization"`
}

type Response struct {
	Routes []VehicleRoute `json:"routes"`
}

// Solver is the narrow contract the optimizer consumes.
type Solver interface {
	Healthy(ctx context.Context) bool
	Optimize(ctx context.Context, req Request) (*Response, error)
}

// Client talks to the solver service over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: optimizeTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "cvrp-health",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Healthy probes the solver within a short timeout. An open breaker reports
// unhealthy without touching the network.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		var body struct {
			Healthy bool `json:"healthy"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, err
		}
		if !body.Healthy {
			return nil, fmt.Errorf("solver reports unhealthy")
		}
		return nil, nil
	})
	return err == nil
}

func (c *Client) Optimize(ctx context.Context, request Request) (*Response, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/optimize", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w, %s", fleet.ErrCVRPFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w, solver returned status %d", fleet.ErrCVRPFailed, resp.StatusCode)
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w, decoding solver response, %s", fleet.ErrCVRPFailed, err)
	}
	return &out, nil
}

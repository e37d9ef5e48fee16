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

package options

import (
	"fmt"
	"net/url"

	"go.uber.org/multierr"
)

func (o *Options) Validate() error {
	return multierr.Combine(
		o.validateRequiredFields(),
		o.validateEndpoints(),
		o.validateBatchBounds(),
		o.validateIntervals(),
	)
}

func (o *Options) validateRequiredFields() error {
	if o.DatabaseURL == "" {
		return fmt.Errorf("missing field, database-url")
	}
	return nil
}

func (o *Options) validateEndpoints() (err error) {
	for name, endpoint := range map[string]string{
		"router-endpoint": o.RouterEndpoint,
		"cvrp-endpoint":   o.CVRPEndpoint,
	} {
		if endpoint == "" {
			continue
		}
		u, parseErr := url.Parse(endpoint)
		// url.Parse() will accept a lot of input without error; make
		// sure it's a real URL
		if parseErr != nil || !u.IsAbs() || u.Hostname() == "" {
			err = multierr.Append(err, fmt.Errorf("%q is not a valid %s URL", endpoint, name))
		}
	}
	return err
}

func (o *Options) validateBatchBounds() (err error) {
	if o.MinOrdersPerBatch < 2 {
		err = multierr.Append(err, fmt.Errorf("min-orders-per-batch must be at least 2"))
	}
	if o.MaxOrdersPerBatch < o.MinOrdersPerBatch {
		err = multierr.Append(err, fmt.Errorf("max-orders-per-batch cannot be below min-orders-per-batch"))
	}
	if o.MaxBatchDistanceM <= 0 {
		err = multierr.Append(err, fmt.Errorf("max-batch-distance-m must be positive"))
	}
	return err
}

func (o *Options) validateIntervals() (err error) {
	for name, d := range map[string]interface{ Seconds() float64 }{
		"dispatch-interval":      o.DispatchInterval,
		"reassign-scan-interval": o.ReassignScanInterval,
		"batching-interval":      o.BatchingInterval,
		"matrix-cache-ttl":       o.MatrixCacheTTL,
	} {
		if d.Seconds() <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive", name))
		}
	}
	return err
}

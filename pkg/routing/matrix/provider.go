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
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fleetops/dispatch/pkg/fleet"
	"github.com/fleetops/dispatch/pkg/metrics"
)

const (
	keyPrefix  = "mx:"
	DefaultTTL = 300 * time.Second
)

// Provider serves content-addressed travel matrices. Lookup order is the
// in-process L1, the shared redis KV, then the routing engine; a routing
// failure degrades to a haversine matrix. A matrix is always produced --
// cache and router errors only change where it comes from. Fallback
// matrices are never written back to either cache.
type Provider struct {
	kv     redis.UniversalClient
	router Router
	l1     *cache.Cache
	ttl    time.Duration
	log    *zap.SugaredLogger
}

func NewProvider(kv redis.UniversalClient, router Router, ttl time.Duration, log *zap.SugaredLogger) *Provider {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Provider{
		kv:     kv,
		router: router,
		l1:     cache.New(ttl, time.Minute),
		ttl:    ttl,
		log:    log.Named("matrix"),
	}
}

// GetMatrix is total: it always returns a usable n*n matrix for n coords.
func (p *Provider) GetMatrix(ctx context.Context, coords []fleet.Location) *Matrix {
	if len(coords) <= 1 {
		return Zero(len(coords))
	}
	fp := Fingerprint(coords)

	if m, ok := p.l1.Get(fp); ok {
		metrics.MatrixRequestsTotal.WithLabelValues("l1").Inc()
		return m.(*Matrix)
	}
	if m := p.fromKV(ctx, fp); m != nil {
		metrics.MatrixRequestsTotal.WithLabelValues("redis").Inc()
		p.l1.Set(fp, m, p.ttl)
		return m
	}

	if p.router == nil {
		metrics.MatrixRequestsTotal.WithLabelValues("fallback").Inc()
		metrics.MatrixFallbackTotal.WithLabelValues("no_router").Inc()
		return HaversineFallback(coords)
	}
	m, err := p.router.Table(ctx, coords)
	if err != nil {
		metrics.MatrixRequestsTotal.WithLabelValues("fallback").Inc()
		metrics.MatrixFallbackTotal.WithLabelValues("router").Inc()
		p.log.Warnw("routing engine unavailable, degrading to haversine", "points", len(coords), "error", err)
		return HaversineFallback(coords)
	}
	metrics.MatrixRequestsTotal.WithLabelValues("router").Inc()
	p.l1.Set(fp, m, p.ttl)
	p.toKV(ctx, fp, m)
	return m
}

func (p *Provider) fromKV(ctx context.Context, fp string) *Matrix {
	if p.kv == nil {
		return nil
	}
	raw, err := p.kv.Get(ctx, keyPrefix+fp).Bytes()
	if err != nil {
		if err != redis.Nil {
			metrics.MatrixFallbackTotal.WithLabelValues("cache_read").Inc()
			p.log.Debugw("matrix cache read failed", "error", err)
		}
		return nil
	}
	var m Matrix
	if err := json.Unmarshal(raw, &m); err != nil {
		metrics.MatrixFallbackTotal.WithLabelValues("cache_decode").Inc()
		p.log.Debugw("matrix cache entry corrupt", "fingerprint", fp, "error", err)
		return nil
	}
	return &m
}

func (p *Provider) toKV(ctx context.Context, fp string, m *Matrix) {
	if p.kv == nil {
		return
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := p.kv.Set(ctx, keyPrefix+fp, raw, p.ttl).Err(); err != nil {
		metrics.MatrixFallbackTotal.WithLabelValues("cache_write").Inc()
		p.log.Debugw("matrix cache write failed", "error", err)
	}
}

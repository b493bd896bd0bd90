// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package watch

import (
	"context"
	"fmt"

	"go.astrophena.name/rssbot/internal/logger"
)

// ReconcileResult describes changes made by [Service.Reconcile].
type ReconcileResult struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Total   int      `json:"total"`
}

// Reconcile makes the set of registered watches equal to the set of active
// subscriptions. It's safe to call at any time: only watches registered
// before the subscriptions are loaded can be removed, so a subscription added
// concurrently keeps its watch.
func (s *Service) Reconcile(ctx context.Context) (ReconcileResult, error) {
	registered := s.registry.Keys()

	subs, err := s.store.ActiveSubscriptions(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("loading active subscriptions: %w", err)
	}

	var res ReconcileResult
	active := make(map[string]bool, len(subs))
	for _, sub := range subs {
		active[sub.ID] = true
		if s.registry.EnsureRegistered(sub.ID) {
			res.Added = append(res.Added, sub.ID)
		}
	}
	for _, key := range registered {
		if !active[key] {
			s.registry.Unregister(key)
			res.Removed = append(res.Removed, key)
		}
	}
	res.Total = len(subs)

	logger.Get(ctx).Info("reconciled watches",
		"added", len(res.Added),
		"removed", len(res.Removed),
		"total", res.Total,
	)
	return res, nil
}

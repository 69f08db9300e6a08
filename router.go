// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SourceName returns the logical source of a channel name, which is the
// text before the first SourceSeparator.
func SourceName(channel string) (string, error) {
	source := channel
	if i := strings.Index(channel, SourceSeparator); i >= 0 {
		source = channel[:i]
	}
	if source == "" {
		return "", errors.Errorf("channel %q has no source name", channel)
	}
	return source, nil
}

// groupConfig is what a Router passes on to its groups.
type groupConfig struct {
	cfg       Config
	transport Transport
	resolver  Resolver
	ids       *IDAllocator
	stats     StatsCollector
	log       *zap.Logger
}

// Router maps discovered channel names to the Groups serving them.
// A Router and its Groups must only be used by one goroutine.
type Router struct {
	gc     groupConfig
	groups map[string]*Group
}

// NewRouter returns a Router. If ids is nil the router uses its own allocator.
func NewRouter(cfg Config, transport Transport, resolver Resolver, ids *IDAllocator, stats StatsCollector, logger *zap.Logger) *Router {
	if ids == nil {
		ids = &IDAllocator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		gc: groupConfig{
			cfg:       cfg,
			transport: transport,
			resolver:  resolver,
			ids:       ids,
			stats:     statsOrNop(stats),
			log:       logger,
		},
		groups: make(map[string]*Group),
	}
}

// OnReadable opens the inbound channel name in the group of its source.
func (rt *Router) OnReadable(name string) error {
	source, err := SourceName(name)
	if err != nil {
		return err
	}
	g, ok := rt.groups[source]
	if !ok {
		g = newGroup(source, &rt.gc)
		rt.groups[source] = g
	}
	if err = g.OnReadable(name); err != nil && g.Empty() {
		delete(rt.groups, source)
		err = multierr.Append(err, g.Close())
	}
	return err
}

// OnExpired closes the inbound channel name, and its group once it has
// no inbound channels left.
func (rt *Router) OnExpired(name string) (err error) {
	source, err := SourceName(name)
	if err != nil {
		return err
	}
	if g, ok := rt.groups[source]; ok {
		err = g.OnExpired(name)
		if g.Empty() {
			delete(rt.groups, source)
			err = multierr.Append(err, g.Close())
		}
	}
	return
}

// Poll polls every group once and returns the number of frames processed.
// Errors are passed to report. A group failing with anything but a
// malformed frame is closed.
func (rt *Router) Poll(report func(error)) (n int) {
	for source, g := range rt.groups {
		gn, err := g.Poll()
		n += gn
		if err == nil {
			continue
		}
		fatal := false
		for _, e := range multierr.Errors(err) {
			if !IsMalformed(e) {
				fatal = true
			}
		}
		report(errors.WithMessage(err, source))
		if fatal {
			delete(rt.groups, source)
			if err = g.Close(); err != nil {
				report(errors.WithMessage(err, source))
			}
		}
	}
	return
}

// Groups returns the number of live groups.
func (rt *Router) Groups() int {
	return len(rt.groups)
}

// Close closes all groups.
func (rt *Router) Close() (err error) {
	for source, g := range rt.groups {
		delete(rt.groups, source)
		err = multierr.Append(err, g.Close())
	}
	return
}

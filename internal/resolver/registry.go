package resolver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/alanbriolat/media-fetch/generic"
)

var (
	ErrDuplicateProvider = errors.New("duplicate provider name")
	ErrInvalidProvider   = errors.New("invalid provider")
	ErrUnknownProvider   = errors.New("unknown provider")
)

var (
	PriorityHighest int16 = math.MinInt16
	PriorityDefault int16 = 0
	PriorityLowest  int16 = math.MaxInt16
)

type (
	MatchFunc   = func(*url.URL) bool
	ResolveFunc = func(context.Context, *url.URL) (string, error)
)

// A Provider turns a page URL it recognises into a direct media URL.
type Provider struct {
	Name string
	// Match reports whether the provider handles the URL at all, without any I/O.
	Match   MatchFunc
	Resolve ResolveFunc
	// Priority of the provider, lower (including negative) means trying earlier.
	Priority int16
}

func (p Provider) WithPriority(priority int16) Provider {
	p.Priority = priority
	return p
}

// A Registry is a collection of Provider instances tried in priority order.
type Registry struct {
	providers   []*Provider
	providerMap map[string]*Provider
}

// Add registers a Provider. Provider.Name, Provider.Match and Provider.Resolve must be set, and Provider.Name must be
// unique within the Registry.
func (r *Registry) Add(p Provider) error {
	if r.providerMap == nil {
		r.providerMap = make(map[string]*Provider)
	}
	if p.Name == "" || p.Match == nil || p.Resolve == nil {
		return ErrInvalidProvider
	}
	if _, ok := r.providerMap[p.Name]; ok {
		return ErrDuplicateProvider
	}
	r.providerMap[p.Name] = &p
	r.providers = append(r.providers, r.providerMap[p.Name])
	r.sortByPriority()
	return nil
}

// MustAdd wraps Add but panics if there is an error.
func (r *Registry) MustAdd(p Provider) {
	generic.Unwrap_(r.Add(p))
}

// List returns the names of registered providers in priority order.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name)
	}
	return names
}

// SetPriority adjusts the priority of a named Provider.
func (r *Registry) SetPriority(name string, priority int16) error {
	if p, ok := r.providerMap[name]; ok {
		p.Priority = priority
		r.sortByPriority()
		return nil
	} else {
		return ErrUnknownProvider
	}
}

// Resolve tries every matching provider in priority order and returns the first success. matched is false when no
// provider claims the URL; otherwise a failure aggregates the errors of every matching provider.
func (r *Registry) Resolve(ctx context.Context, u *url.URL) (result string, matched bool, err error) {
	var errs error
	for _, p := range r.providers {
		if !p.Match(u) {
			continue
		}
		matched = true
		if resolved, err := p.Resolve(ctx, u); err == nil {
			return resolved, true, nil
		} else {
			errs = multierror.Append(errs, multierror.Prefix(err, fmt.Sprintf("[%v]", p.Name)))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return "", matched, errs
}

func (r *Registry) sortByPriority() {
	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.providers[i].Priority < r.providers[j].Priority
	})
}

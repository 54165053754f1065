// Package backend opens a metascribe store by backend name.
package backend

import (
	"context"

	"github.com/maruel/metascribe/internal/store"
	"github.com/maruel/metascribe/internal/store/colstore"
	"github.com/maruel/metascribe/internal/store/kvstore"
	"github.com/maruel/metascribe/internal/store/shardstore"
	"github.com/maruel/metascribe/internal/store/sqlstore"
)

// Open opens the store of the given kind at location. opts may be nil.
func Open(ctx context.Context, kind store.Kind, location string, opts *store.Options) (store.Store, error) {
	if opts == nil {
		opts = &store.Options{}
	}
	var s store.Store
	var err error
	switch kind {
	case store.KindSQL:
		s, err = wrap(sqlstore.Open(ctx, location, opts))
	case store.KindColumnar:
		s, err = wrap(colstore.Open(ctx, location, opts))
	case store.KindKV:
		s, err = wrap(kvstore.Open(ctx, location, opts))
	case store.KindSharded:
		s, err = wrap(shardstore.Open(ctx, location, opts))
	default:
		_, err = store.ParseKind(string(kind))
	}
	return s, err
}

// wrap keeps a failed open from returning a non-nil interface holding a nil
// pointer.
func wrap[S store.Store](s S, err error) (store.Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

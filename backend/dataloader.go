package main

import (
	"context"
	"time"

	"github.com/graph-gophers/dataloader/v7"

	"github.com/agouch/outdora/backend/matching"
	"github.com/agouch/outdora/backend/store"
)

type dataLoaderKey struct{}

// DataLoaders batches the profile reads a single request fans out into.
type DataLoaders struct {
	Profiles *dataloader.Loader[matching.UserID, *matching.UserProfile]
}

func NewDataLoaders(r store.BatchReader) *DataLoaders {
	return &DataLoaders{
		Profiles: dataloader.NewBatchedLoader(
			profileBatchFn(r),
			dataloader.WithWait[matching.UserID, *matching.UserProfile](2*time.Millisecond),
		),
	}
}

func GetDataLoadersFromContext(ctx context.Context) *DataLoaders {
	if dl, ok := ctx.Value(dataLoaderKey{}).(*DataLoaders); ok {
		return dl
	}
	return nil
}

func WithDataLoaders(ctx context.Context, dl *DataLoaders) context.Context {
	return context.WithValue(ctx, dataLoaderKey{}, dl)
}

// profileBatchFn loads every requested profile with one ReadProfiles call.
// Missing profiles resolve to ErrProfileNotFound.
func profileBatchFn(r store.BatchReader) dataloader.BatchFunc[matching.UserID, *matching.UserProfile] {
	return func(ctx context.Context, keys []matching.UserID) []*dataloader.Result[*matching.UserProfile] {
		results := make([]*dataloader.Result[*matching.UserProfile], len(keys))
		found, err := r.ReadProfiles(ctx, keys)
		for i, key := range keys {
			switch p, ok := found[key]; {
			case err != nil:
				results[i] = &dataloader.Result[*matching.UserProfile]{Error: err}
			case !ok:
				results[i] = &dataloader.Result[*matching.UserProfile]{Error: matching.ErrProfileNotFound}
			default:
				results[i] = &dataloader.Result[*matching.UserProfile]{Data: p}
			}
		}
		return results
	}
}

package decks

import "context"

// FileID identifies a tagged file inside a TagFS, independent of any
// process's file descriptor numbering.
type FileID uint32

// FileStat is the subset of tag-filesystem metadata the Storage deck
// surfaces to a Stat operation.
type FileStat struct {
	Size int64
	Tags []string
}

// TagFS is the external tag-based filesystem collaborator (spec.md §6):
// create tagged files, open/close/read/write/stat them, and manage their
// tag sets. This core never implements the on-disk format itself — it only
// consumes this contract, same as the original treats the filesystem as an
// external collaborator.
type TagFS interface {
	CreateTagged(ctx context.Context, name string, tags []string) (FileID, error)
	Open(ctx context.Context, name string) (FileID, error)
	Close(ctx context.Context, fid FileID) error
	ReadAt(ctx context.Context, fid FileID, offset int64, buf []byte) (int, error)
	WriteAt(ctx context.Context, fid FileID, offset int64, data []byte) (int, error)
	Stat(ctx context.Context, fid FileID) (FileStat, error)
}

// TagIndex resolves tags to file ids and back, independent of the TagFS
// storing file content. Pluggable: an in-process map (tagfs_mem.go's
// default) or a Redis-backed index (tagindex_redis.go) for a
// multi-process/multi-host deployment.
type TagIndex interface {
	Add(ctx context.Context, tag string, fid FileID) error
	Remove(ctx context.Context, tag string, fid FileID) error
	Query(ctx context.Context, tag string) ([]FileID, error)
}

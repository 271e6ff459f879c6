package users

import (
	"os/user"
	"strconv"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// Resolver translates between user names and numeric user ids.
type Resolver interface {
	UidFromName(name string) (uint32, error)
	NameFromUid(uid uint32) (string, error)
}

// OSResolver resolves users via the host's user database.
// Numeric tokens that do not name a user are treated as uids.
type OSResolver struct{}

func (OSResolver) UidFromName(name string) (uint32, error) {
	u, err := user.Lookup(name)
	if err != nil {
		if _, parseErr := strconv.ParseUint(name, 10, 32); parseErr != nil {
			return 0, errors.WithStack(err)
		}
		u, err = user.LookupId(name)
		if err != nil {
			return 0, errors.WithStack(err)
		}
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "user %s has non-numeric uid %q", name, u.Uid)
	}
	return uint32(uid), nil
}

func (OSResolver) NameFromUid(uid uint32) (string, error) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", errors.WithStack(err)
	}
	return u.Username, nil
}

// CachingResolver remembers successful lookups of an underlying Resolver.
//
// CachingResolver is backed by two LRUs so that only the most recently used users are kept.
// Failed lookups are not cached.
type CachingResolver struct {
	resolver Resolver
	uids     *lru.Cache
	names    *lru.Cache
}

func NewCachingResolver(resolver Resolver, cacheSize uint32) (*CachingResolver, error) {
	uids, err := lru.New(int(cacheSize))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	names, err := lru.New(int(cacheSize))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &CachingResolver{
		resolver: resolver,
		uids:     uids,
		names:    names,
	}, nil
}

func (r *CachingResolver) UidFromName(name string) (uint32, error) {
	if uid, ok := r.uids.Get(name); ok {
		return uid.(uint32), nil
	}
	uid, err := r.resolver.UidFromName(name)
	if err != nil {
		return 0, err
	}
	r.uids.Add(name, uid)
	return uid, nil
}

func (r *CachingResolver) NameFromUid(uid uint32) (string, error) {
	if name, ok := r.names.Get(uid); ok {
		return name.(string), nil
	}
	name, err := r.resolver.NameFromUid(uid)
	if err != nil {
		return "", err
	}
	r.names.Add(uid, name)
	return name, nil
}

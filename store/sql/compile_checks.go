package sqlstore

import "github.com/goliatone/go-authsession/core"

var (
	_ core.KeyValueStore = (*Store)(nil)
	_ core.KeyValueStore = (*CachedStore)(nil)
)

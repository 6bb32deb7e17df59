package query

import (
	"github.com/goliatone/go-authsession/core"
	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Querier[SessionSnapshotMessage, core.SessionSnapshot]         = (*SessionSnapshotQuery)(nil)
	_ gocmd.Querier[ListProviderMetadataMessage, []core.ProviderMetadata] = (*ListProviderMetadataQuery)(nil)
	_ gocmd.Querier[CreateLinkingSnapshotMessage, core.LinkingSnapshot]   = (*CreateLinkingSnapshotQuery)(nil)

	_ SnapshotReader         = (*core.SessionStore)(nil)
	_ LinkingSnapshotReader  = (*core.SessionStore)(nil)
	_ ProviderMetadataReader = (*core.ProviderRegistry)(nil)
)

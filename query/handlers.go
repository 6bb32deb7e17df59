package query

import (
	"context"
	"strings"

	"github.com/goliatone/go-authsession/core"
)

type SnapshotReader interface {
	Snapshot() core.SessionSnapshot
}

type ProviderMetadataReader interface {
	GetAllMetadata() []core.ProviderMetadata
}

type LinkingSnapshotReader interface {
	CreateLinkingSnapshot() core.LinkingSnapshot
}

type SessionSnapshotQuery struct {
	reader SnapshotReader
}

func NewSessionSnapshotQuery(reader SnapshotReader) *SessionSnapshotQuery {
	return &SessionSnapshotQuery{reader: reader}
}

func (q *SessionSnapshotQuery) Query(_ context.Context, _ SessionSnapshotMessage) (core.SessionSnapshot, error) {
	if q == nil || q.reader == nil {
		return core.SessionSnapshot{}, queryDependencyError("query: session snapshot reader is required")
	}
	return q.reader.Snapshot(), nil
}

type ListProviderMetadataQuery struct {
	reader ProviderMetadataReader
}

func NewListProviderMetadataQuery(reader ProviderMetadataReader) *ListProviderMetadataQuery {
	return &ListProviderMetadataQuery{reader: reader}
}

func (q *ListProviderMetadataQuery) Query(
	_ context.Context,
	msg ListProviderMetadataMessage,
) ([]core.ProviderMetadata, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: provider metadata reader is required")
	}
	all := q.reader.GetAllMetadata()
	if len(msg.Names) == 0 {
		return all, nil
	}
	wanted := make(map[string]struct{}, len(msg.Names))
	for _, name := range msg.Names {
		wanted[strings.TrimSpace(name)] = struct{}{}
	}
	out := make([]core.ProviderMetadata, 0, len(msg.Names))
	for _, meta := range all {
		if _, ok := wanted[meta.Name]; ok {
			out = append(out, meta)
		}
	}
	return out, nil
}

type CreateLinkingSnapshotQuery struct {
	reader LinkingSnapshotReader
}

func NewCreateLinkingSnapshotQuery(reader LinkingSnapshotReader) *CreateLinkingSnapshotQuery {
	return &CreateLinkingSnapshotQuery{reader: reader}
}

func (q *CreateLinkingSnapshotQuery) Query(_ context.Context, _ CreateLinkingSnapshotMessage) (core.LinkingSnapshot, error) {
	if q == nil || q.reader == nil {
		return core.LinkingSnapshot{}, queryDependencyError("query: linking snapshot reader is required")
	}
	return q.reader.CreateLinkingSnapshot(), nil
}

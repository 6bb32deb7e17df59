package query

import "strings"

const (
	TypeSessionSnapshot       = "authsession.query.session.snapshot"
	TypeListProviderMetadata  = "authsession.query.providers.metadata"
	TypeCreateLinkingSnapshot = "authsession.query.linking.snapshot"
)

type SessionSnapshotMessage struct{}

func (SessionSnapshotMessage) Type() string { return TypeSessionSnapshot }

// ListProviderMetadataMessage lists configured providers. Names narrows the
// result to the given providers, keeping registration order.
type ListProviderMetadataMessage struct {
	Names []string
}

func (ListProviderMetadataMessage) Type() string { return TypeListProviderMetadata }

func (m ListProviderMetadataMessage) Validate() error {
	for _, name := range m.Names {
		if strings.TrimSpace(name) == "" {
			return queryValidationError("names", "provider names must not be blank")
		}
	}
	return nil
}

type CreateLinkingSnapshotMessage struct{}

func (CreateLinkingSnapshotMessage) Type() string { return TypeCreateLinkingSnapshot }

// Package metadata defines the ISM metadata-builder contract the prepare
// stage depends on. The spec treats concrete ISM verification as an
// external collaborator (spec §1); only the interface it must satisfy is
// specified here.
package metadata

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainrelay/relayer-core/domain"
)

// Builder produces the verification metadata a destination ISM needs to
// authenticate a message. Returning (nil, nil) means "not ready yet" —
// prepare treats that as Reprepare(NoMetadata), not an error.
type Builder interface {
	Build(ctx context.Context, msg domain.Message, ism common.Address) ([]byte, error)
}

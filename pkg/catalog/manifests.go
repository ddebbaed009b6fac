package catalog

import (
	"context"
	"fmt"

	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/manifest"
)

type manifestCache struct {
	c     *pebbleCatalog
	codec manifest.Codec
}

// NewManifestCache returns a manifest.Cache stored under the mf: prefix
// of c, values encoded with codec.
func NewManifestCache(c Catalog, codec manifest.Codec) (manifest.Cache, error) {
	pc, ok := c.(*pebbleCatalog)
	if !ok {
		return nil, fmt.Errorf("%w: manifest cache requires a pebble catalog", core.ErrInvalidArgument)
	}
	return &manifestCache{c: pc, codec: codec}, nil
}

func manifestKey(id core.RecordID) []byte {
	return append(append([]byte(nil), PrefixManifest...), id[:]...)
}

func (m *manifestCache) Get(ctx context.Context, id core.RecordID) (*manifest.Manifest, bool, error) {
	val, ok, err := m.c.get(manifestKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	mf, err := m.codec.Decode(val)
	if err != nil {
		return nil, false, err
	}
	return mf, true, nil
}

func (m *manifestCache) Put(ctx context.Context, id core.RecordID, mf *manifest.Manifest) error {
	val, err := m.codec.Encode(mf)
	if err != nil {
		return err
	}
	return m.c.set(nil, manifestKey(id), val)
}

package envelope

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/pkg/timestamp"
)

// Commit returns a committed copy of e carrying its data id, primary id,
// creation time, link placeholder, size and hash. e and the copy are both
// marked committed; committing either again is a fatal error.
func Commit(e *Envelope, now time.Time) (*Envelope, error) {
	if e.committed.Load() {
		return nil, errors.WrapFatal(errors.ErrAlreadyCommitted, "Committer", "Commit", "commit-once check")
	}

	offset, err := timestamp.NormalizeOffset(e.SensingOffset())
	if err != nil {
		return nil, errors.WrapInvalid(err, "Committer", "Commit", "timezone normalization")
	}
	loc, err := timestamp.Zone(offset)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Committer", "Commit", "timezone normalization")
	}

	c := e.clone()
	local := now.In(loc)
	dataID := c.Primary.Title + timestamp.IDStamp(local)

	c.Primary.Timezone = offset
	c.Primary.ID = IDPrefix + dataID
	c.Primary.Provenance.CreateBy.Time = local.Format(timestamp.CreatedLayout)
	c.Data.DataID = dataID
	c.SensorInfo.DataLink = DataLink{URI: LinkPlaceholder, DataID: dataID}

	dataJSON, err := c.DataJSON()
	if err != nil {
		return nil, err
	}
	c.SensorInfo.DataSize = len(dataJSON)

	section, err := marshal(c.Data)
	if err != nil {
		return nil, err
	}
	sum := md5.Sum(section)
	c.SensorInfo.DataHash = hex.EncodeToString(sum[:])

	if !e.committed.CompareAndSwap(false, true) {
		return nil, errors.WrapFatal(errors.ErrAlreadyCommitted, "Committer", "Commit", "commit-once check")
	}
	return c, nil
}

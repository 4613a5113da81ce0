package vmproc

import (
	"strconv"

	"github.com/Manu343726/t86dbg/pkg/dbg/dbgerr"
)

func parseInt64(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, dbgerr.Wrap(dbgerr.ProtocolError, err, "malformed integer %q", s)
	}
	return v, nil
}

func formatInt64(v int64) string {
	return strconv.FormatInt(v, 10)
}

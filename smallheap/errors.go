package smallheap

import "github.com/pkg/errors"

// errPoolExhausted is returned internally (never to callers of Allocate —
// it triggers a fall-through to the large path) when the page pool has no
// free page index left.
var errPoolExhausted = errors.New("smallheap: page pool exhausted")

// wrapCommit surfaces a page-provider commit failure as an error rather
// than the debug-assert-and-trap the original C++ uses (spec.md §7/§9.2:
// "an allocator should plausibly surface this as an allocation failure
// instead"). Matches talyz-systemd_exporter's use of github.com/pkg/errors
// for wrapping lower-level failures with context.
func wrapCommit(pageIndex uint32, err error) error {
	return errors.Wrapf(err, "smallheap: commit page %d", pageIndex)
}

func wrapDecommit(pageIndex uint32, err error) error {
	return errors.Wrapf(err, "smallheap: decommit page %d", pageIndex)
}

func wrapReserve(err error) error {
	return errors.Wrap(err, "smallheap: reserve address range")
}

func wrapRelease(err error) error {
	return errors.Wrap(err, "smallheap: release reservation")
}

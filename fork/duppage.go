// SPDX-License-Identifier: Unlicense OR MIT

package fork

import (
	"fmt"

	"go.uber.org/zap"

	"eliasnaur.com/cowfork/kernel"
)

// duppage maps the caller's page pn into child at the same address.
// Writable and copy-on-write pages become copy-on-write in both
// address spaces; the caller's own mapping is re-marked after the
// child's is installed. Other pages are shared as they are.
func (p *Process) duppage(child kernel.EnvID, pn int) error {
	va := uintptr(pn) << kernel.PageShift
	old := p.sys.UVPT(pn).Perm()
	perm, remark := dupPerm(old)
	if err := p.sys.PageMap(0, va, child, va, perm); err != nil {
		return fmt.Errorf("fork: share %#x with %v: %w", va, child, err)
	}
	mode := "readonly"
	if remark {
		mode = "cow"
		if err := p.sys.PageMap(0, va, 0, va, perm); err != nil {
			return fmt.Errorf("fork: mark %#x copy-on-write: %w", va, err)
		}
	}
	p.metrics.PagesShared.WithLabelValues(mode).Inc()
	if ce := p.log.Check(zap.DebugLevel, "duppage"); ce != nil {
		ce.Write(zap.Uintptr("va", va),
			zap.Stringer("child", child),
			zap.Stringer("from", old),
			zap.Stringer("to", perm))
	}
	return nil
}

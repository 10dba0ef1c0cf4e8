// Copyright 2024 The pranaOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mm

import (
	"context"
	"time"

	"github.com/calebrwalk5/pranaOS/pkg/errors/posixerr"
	"github.com/calebrwalk5/pranaOS/pkg/log"
	"github.com/calebrwalk5/pranaOS/pkg/memarch"
	"github.com/calebrwalk5/pranaOS/pkg/pagetables"
)

// faultLog keeps a fault storm from flooding the console.
var faultLog = log.BasicRateLimitedLogger(5 * time.Second)

// HandleFault resolves a fault at va for the given access: region
// lookup, permission check, page population or copy-on-write break, and
// a single-page entry install. va need not be aligned.
func (s *AddressSpace) HandleFault(ctx context.Context, va memarch.VirtualAddress, at memarch.AccessType) error {
	s.mappingMu.RLock()
	r := s.findRegionLocked(va)
	if r == nil {
		s.mappingMu.RUnlock()
		return posixerr.EFAULT
	}
	if !r.perms.SupersetOf(at) {
		s.mappingMu.RUnlock()
		return posixerr.EACCES
	}
	if at.Write && !r.shared {
		// A private write may rebind the backing page, which must not
		// race another install of the old frame. Redo the lookup under
		// the exclusive lock; the set may have changed in between.
		s.mappingMu.RUnlock()
		s.mappingMu.Lock()
		defer s.mappingMu.Unlock()
		if r = s.findRegionLocked(va); r == nil {
			return posixerr.EFAULT
		}
		if !r.perms.SupersetOf(at) {
			return posixerr.EACCES
		}
		return s.installLocked(ctx, r, va, at)
	}
	defer s.mappingMu.RUnlock()
	return s.installLocked(ctx, r, va, at)
}

// installLocked populates the faulting page and installs its entry. The
// mapping lock is held, exclusively so for private writes.
func (s *AddressSpace) installLocked(ctx context.Context, r *Region, va memarch.VirtualAddress, at memarch.AccessType) error {
	page := va.RoundDown()
	pa, err := r.obj.RequirePage(ctx, r.pageFor(page), at.Write)
	if err != nil {
		return err
	}
	return s.pd.Map(page, pa, pagetables.MapOpts{Access: r.installPerms(at.Write), User: true})
}

// HandlePageFault is the fault-dispatch entry: it resolves the faulting
// translation root to its bound address space and delegates. The root is
// whatever the faulting CPU had loaded, so a stale value left by a dead
// space resolves to nothing and reports EFAULT instead of touching a
// reused frame.
func HandlePageFault(ctx context.Context, root memarch.PhysicalAddress, va memarch.VirtualAddress, at memarch.AccessType) error {
	pd := pagetables.FindByCR3(root)
	if pd == nil {
		faultLog.Warningf("fault at %#x (%v): no live directory for root %#x", va, at, root)
		return posixerr.EFAULT
	}
	defer pd.DecRef()
	s, ok := pd.Owner().(*AddressSpace)
	if !ok {
		faultLog.Warningf("fault at %#x (%v): root %#x is not bound to an address space", va, at, root)
		return posixerr.EFAULT
	}
	if err := s.HandleFault(ctx, va, at); err != nil {
		faultLog.Warningf("unresolved %v fault at %#x: %v", at, va, err)
		return err
	}
	return nil
}

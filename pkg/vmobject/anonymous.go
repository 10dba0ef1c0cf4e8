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

package vmobject

import (
	"context"

	"github.com/calebrwalk5/pranaOS/pkg/pgalloc"
)

// AnonymousVMObject backs mappings with demand-zero memory.
type AnonymousVMObject struct {
	object
}

// TryCreateAnonymous returns an anonymous object spanning size bytes,
// rounded up to whole pages, with no frames resident. Returns EINVAL for
// a zero or wrapping size.
func TryCreateAnonymous(mf *pgalloc.MemoryFile, size uint64) (*AnonymousVMObject, error) {
	o := &AnonymousVMObject{}
	if err := o.init(mf, nil, size); err != nil {
		return nil, err
	}
	return o, nil
}

// TryClone returns a copy-on-write duplicate. Pages resident in either
// object stay shared until one side writes to them; pages neither side
// has touched populate independently as zeroes.
func (o *AnonymousVMObject) TryClone(ctx context.Context) (VMObject, error) {
	clone := &AnonymousVMObject{}
	if err := clone.init(o.file, nil, o.size); err != nil {
		return nil, err
	}
	o.shareFramesCOW(&clone.object)
	return clone, nil
}

// DecRef drops a reference.
func (o *AnonymousVMObject) DecRef() {
	o.decRef(o.release)
}

var _ VMObject = (*AnonymousVMObject)(nil)

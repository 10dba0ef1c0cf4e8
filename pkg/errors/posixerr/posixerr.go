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

// Package posixerr contains the POSIX error codes used by the memory core,
// exported as error interface pointers. Callers compare against these
// singletons directly (err == posixerr.ENOMEM), which is as cheap as
// comparing unix.Errno constants.
package posixerr

import (
	"golang.org/x/sys/unix"

	"github.com/calebrwalk5/pranaOS/pkg/errors"
)

var (
	EPERM  = errors.New(unix.EPERM, "operation not permitted")
	EIO    = errors.New(unix.EIO, "I/O error")
	EAGAIN = errors.New(unix.EAGAIN, "try again")
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")
	EACCES = errors.New(unix.EACCES, "permission denied")
	EFAULT = errors.New(unix.EFAULT, "bad address")
	EEXIST = errors.New(unix.EEXIST, "file exists")
	ENODEV = errors.New(unix.ENODEV, "no such device")
	EINVAL = errors.New(unix.EINVAL, "invalid argument")
	ERANGE = errors.New(unix.ERANGE, "math result not representable")
)

// Equals compares a returned error to one of the singletons above. It
// also matches a raw unix.Errno carrying the same number, so callers
// that mix syscall results and kernel results can use one predicate.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	if e == nil {
		return false
	}
	if err == error(e) {
		return true
	}
	if errno, ok := err.(unix.Errno); ok {
		return errno == e.Errno()
	}
	return false
}

// Copyright 2024 urbackup-backend-sub004 authors
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

//go:build linux

package mount

import (
	"os"

	"github.com/godbus/dbus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	udisksDest     = "org.freedesktop.UDisks2"
	udisksManager  = "/org/freedesktop/UDisks2/Manager"
	udisksLoopCall = "org.freedesktop.UDisks2.Manager.LoopSetup"
	udisksFsCall   = "org.freedesktop.UDisks2.Filesystem.Mount"
)

// LoopMount registers the given backing file with udisks2 over the system
// bus, asking it to attach a loop device and mount it read-only. It returns
// the mount point udisks2 chose. The caller is responsible for keeping
// backing open for as long as the mount should persist; closing it while
// mounted is the caller's own foot-gun to avoid, not this function's to
// guard against.
func LoopMount(backing *os.File) (string, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return "", errors.Wrap(err, "mount: connecting to system bus")
	}
	defer conn.Close()

	manager := conn.Object(udisksDest, dbus.ObjectPath(udisksManager))

	options := map[string]dbus.Variant{
		"read-only": dbus.MakeVariant(true),
	}

	var loopPath dbus.ObjectPath
	call := manager.Call(udisksLoopCall, 0, dbus.UnixFD(backing.Fd()), options)
	if call.Err != nil {
		return "", errors.Wrap(call.Err, "mount: udisks2 LoopSetup")
	}
	if err := call.Store(&loopPath); err != nil {
		return "", errors.Wrap(err, "mount: decoding LoopSetup reply")
	}

	loop := conn.Object(udisksDest, loopPath)
	mountOptions := map[string]dbus.Variant{
		"options": dbus.MakeVariant("ro"),
	}

	var mountPath string
	mcall := loop.Call(udisksFsCall, 0, mountOptions)
	if mcall.Err != nil {
		return "", errors.Wrap(mcall.Err, "mount: udisks2 Filesystem.Mount")
	}
	if err := mcall.Store(&mountPath); err != nil {
		return "", errors.Wrap(err, "mount: decoding Mount reply")
	}

	log.Infof("mount: %s registered with udisks2 at %s via loop device %s", backing.Name(), mountPath, loopPath)
	return mountPath, nil
}

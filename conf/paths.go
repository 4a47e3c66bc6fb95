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

// +build !local

package conf

import (
	"path"
)

var (
	// needed so that we can override it when testing
	DefaultPathDataDir = "/var/lib/urbackup-imgengine"

	DefaultConfFile         = path.Join(GetConfDirPath(), "imgengine.conf")
	DefaultFallbackConfFile = path.Join(GetStateDirPath(), "imgengine.conf")

	DefaultResumeStorePath = path.Join(GetStateDirPath(), "resume.lmdb")
)

func GetDataDirPath() string {
	return DefaultPathDataDir
}

func GetStateDirPath() string {
	return DefaultPathDataDir
}

func GetConfDirPath() string {
	return "/etc/urbackup-imgengine"
}
